// Command replay re-executes transactions from a mempool-dumpster parquet
// file against forks of their parent blocks.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/forksim/internal/config"
	"github.com/pulkyeet/forksim/internal/engine"
	"github.com/pulkyeet/forksim/internal/logging"
	"github.com/pulkyeet/forksim/internal/replay"
	"github.com/pulkyeet/forksim/internal/storage"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "replay",
		Usage: "replay mempool transactions on forked state",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rpc", EnvVars: []string{"FORK_URL"}, Usage: "archive JSON-RPC endpoint", Required: true},
			&cli.StringFlag{Name: "file", Usage: "mempool-dumpster parquet file", Required: true},
			&cli.IntFlag{Name: "workers", Value: 4, Usage: "concurrent forks"},
			&cli.IntFlag{Name: "limit", Value: 100, Usage: "rows to replay, 0 for all"},
			&cli.BoolFlag{Name: "format-trace", Usage: "print decoded call trees of failed transactions"},
			&cli.DurationFlag{Name: "timeout", Value: time.Hour},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	closer, err := logging.Setup(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer closer.Close()

	rows, err := replay.ReadRows(c.String("file"), c.Int("limit"))
	if err != nil {
		return err
	}
	log.Info("Loaded transactions", "file", c.String("file"), "rows", len(rows))

	var stateCache *storage.CacheDB
	if cfg.StateCacheDB != "" {
		stateCache, err = storage.NewCacheDB(cfg.StateCacheDB)
		if err != nil {
			return fmt.Errorf("failed to open state cache: %w", err)
		}
		defer stateCache.Close()
	}

	formatTrace := c.Bool("format-trace")
	factory := func(ctx context.Context, block uint64) (*engine.Engine, error) {
		return engine.New(ctx, engine.Options{
			ForkURL:         c.String("rpc"),
			ForkBlockNumber: &block,
			Tracing:         formatTrace,
			LabelKey:        cfg.EtherscanKey,
			SignaturesPath:  cfg.SignaturesDB,
			StateCache:      stateCache,
			FetchTimeout:    cfg.FetchTimeout,
		})
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	report, err := replay.NewRunner(factory, c.Int("workers"), formatTrace).Run(ctx, rows)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func printReport(report *replay.Report) {
	for _, res := range report.Results {
		switch {
		case res.Err != nil:
			fmt.Printf("%s  ERROR     %v\n", res.Hash.Hex(), res.Err)
		case res.Success:
			fmt.Printf("%s  ok        block=%d gas=%d/%d\n", res.Hash.Hex(), res.Block, res.GasUsed, res.GasLimit)
		default:
			fmt.Printf("%s  %-9s block=%d gas=%d/%d %s\n", res.Hash.Hex(), res.ExitReason, res.Block, res.GasUsed, res.GasLimit, res.RevertReason)
			if res.FormattedTrace != "" {
				fmt.Println(res.FormattedTrace)
			}
		}
	}

	total := len(report.Results)
	fmt.Println()
	fmt.Println("=== Replay Report ===")
	fmt.Printf("Transactions: %d\n", total)
	fmt.Printf("Succeeded:    %d\n", report.Succeeded)
	fmt.Printf("Reverted:     %d\n", report.Failed)
	fmt.Printf("Errored:      %d\n", report.Errored)
	fmt.Printf("Gas used:     %d\n", report.GasUsed)
	fmt.Printf("Elapsed:      %s\n", report.Elapsed.Round(time.Millisecond))
	if total > 0 {
		fmt.Printf("Throughput:   %.1f tx/s\n", float64(total)/report.Elapsed.Seconds())
	}
}
