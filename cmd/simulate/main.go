// Command simulate runs a single call against a fork and prints the result.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/forksim/internal/config"
	"github.com/pulkyeet/forksim/internal/engine"
	"github.com/pulkyeet/forksim/internal/eth"
	"github.com/pulkyeet/forksim/internal/logging"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "simulate",
		Usage: "run one call against a forked chain",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rpc", EnvVars: []string{"FORK_URL"}, Usage: "JSON-RPC endpoint to fork", Required: true},
			&cli.Uint64Flag{Name: "block", Usage: "block to fork, latest when unset"},
			&cli.StringFlag{Name: "from", Usage: "caller address", Required: true},
			&cli.StringFlag{Name: "to", Usage: "callee address, empty deploys --data"},
			&cli.StringFlag{Name: "value", Value: "0", Usage: "wei to transfer"},
			&cli.StringFlag{Name: "data", Usage: "hex calldata"},
			&cli.Uint64Flag{Name: "gas", Usage: "gas limit, unbounded when unset"},
			&cli.StringFlag{Name: "balance", Usage: "override the caller's ether balance, in wei"},
			&cli.StringSliceFlag{Name: "token", Usage: "give the caller a token balance, SYMBOL=amount in base units"},
			&cli.BoolFlag{Name: "format-trace", Usage: "print the decoded call tree"},
			&cli.BoolFlag{Name: "commit", Usage: "run the call twice, committing the first"},
			&cli.DurationFlag{Name: "timeout", Value: 2 * time.Minute},
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

	call, err := callFromFlags(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	opts := engine.Options{
		ForkURL:        c.String("rpc"),
		Tracing:        c.Bool("format-trace"),
		LabelKey:       cfg.EtherscanKey,
		SignaturesPath: cfg.SignaturesDB,
		FetchTimeout:   cfg.FetchTimeout,
		GasLimit:       c.Uint64("gas"),
	}
	if c.IsSet("block") {
		block := c.Uint64("block")
		opts.ForkBlockNumber = &block
	}
	e, err := engine.New(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()
	log.Info("Forked chain", "chain", e.ChainID(), "block", e.Block())

	overrides, err := overridesFromFlags(c, call.From)
	if err != nil {
		return err
	}
	for _, o := range overrides {
		if err := e.OverrideAccount(ctx, o); err != nil {
			return err
		}
	}

	if c.Bool("commit") {
		res, err := e.CallRawCommitting(ctx, call)
		if err != nil {
			return err
		}
		fmt.Println("=== Committed ===")
		printResult(res)
	}

	res, err := e.CallRaw(ctx, call)
	if err != nil {
		return err
	}
	fmt.Println("=== Simulation Result ===")
	printResult(res)
	return nil
}

func callFromFlags(c *cli.Context) (engine.CallRequest, error) {
	var call engine.CallRequest
	if !common.IsHexAddress(c.String("from")) {
		return call, fmt.Errorf("invalid --from address %q", c.String("from"))
	}
	call.From = common.HexToAddress(c.String("from"))

	if to := c.String("to"); to != "" {
		if !common.IsHexAddress(to) {
			return call, fmt.Errorf("invalid --to address %q", to)
		}
		addr := common.HexToAddress(to)
		call.To = &addr
	}

	value, ok := new(big.Int).SetString(c.String("value"), 0)
	if !ok || value.Sign() < 0 {
		return call, fmt.Errorf("invalid --value %q", c.String("value"))
	}
	call.Value = value

	if data := c.String("data"); data != "" {
		decoded, err := hexutil.Decode(data)
		if err != nil {
			return call, fmt.Errorf("invalid --data: %w", err)
		}
		call.Data = decoded
	}
	call.FormatTrace = c.Bool("format-trace")
	return call, nil
}

func overridesFromFlags(c *cli.Context, caller common.Address) ([]engine.AccountOverride, error) {
	var overrides []engine.AccountOverride
	if c.IsSet("balance") {
		balance, ok := new(big.Int).SetString(c.String("balance"), 0)
		if !ok {
			return nil, fmt.Errorf("invalid --balance %q", c.String("balance"))
		}
		overrides = append(overrides, engine.AccountOverride{Address: caller, Balance: balance})
	}

	for _, arg := range c.StringSlice("token") {
		symbol, amount, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --token %q, want SYMBOL=amount", arg)
		}
		token, known := eth.KnownTokens[strings.ToUpper(symbol)]
		if !known {
			return nil, fmt.Errorf("unknown token %s", symbol)
		}
		units, ok := new(big.Int).SetString(amount, 0)
		if !ok || units.Sign() < 0 {
			return nil, fmt.Errorf("invalid amount for %s: %q", symbol, amount)
		}
		override, err := engine.TokenBalanceOverride(token.Address, caller, token.BalanceSlot, units)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, override)
	}
	return overrides, nil
}

func printResult(res *engine.CallResult) {
	fmt.Printf("Block:       %d\n", res.BlockNumber)
	fmt.Printf("Success:     %v\n", res.Success)
	fmt.Printf("Exit reason: %s\n", res.ExitReason)
	fmt.Printf("Gas used:    %d\n", res.GasUsed)
	fmt.Printf("Logs:        %d events emitted\n", len(res.Logs))
	if len(res.ReturnData) > 0 {
		fmt.Printf("Return data: %s\n", hexutil.Encode(res.ReturnData))
	}
	if !res.Success && res.RevertReason != "" {
		fmt.Printf("Revert reason: %s\n", res.RevertReason)
	}
	if res.FormattedTrace != nil && *res.FormattedTrace != "" {
		fmt.Println()
		fmt.Println(*res.FormattedTrace)
	}
}
