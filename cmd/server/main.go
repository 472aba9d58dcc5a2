// Command server exposes the simulation engine over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/forksim/internal/api"
	"github.com/pulkyeet/forksim/internal/config"
	"github.com/pulkyeet/forksim/internal/logging"
	"github.com/pulkyeet/forksim/internal/storage"
	"github.com/pulkyeet/forksim/internal/trace"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "forksim-server",
		Usage: "serve EVM simulations against forked chains",
		Flags: []cli.Flag{
			&cli.UintFlag{Name: "port", Usage: "listen port, overrides PORT"},
			&cli.DurationFlag{Name: "shutdown-timeout", Value: 10 * time.Second, Usage: "grace period for in-flight requests"},
			&cli.StringSliceFlag{Name: "import-signatures", Usage: "load signature JSON files into the signature database before serving"},
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
	if c.IsSet("port") {
		port := c.Uint("port")
		if port > 65535 {
			return fmt.Errorf("port %d out of range", port)
		}
		cfg.Port = uint16(port)
	}

	closer, err := logging.Setup(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer closer.Close()

	for _, path := range c.StringSlice("import-signatures") {
		if err := importSignatures(cfg.SignaturesDB, path); err != nil {
			return err
		}
	}

	var stateCache *storage.CacheDB
	if cfg.StateCacheDB != "" {
		stateCache, err = storage.NewCacheDB(cfg.StateCacheDB)
		if err != nil {
			return fmt.Errorf("failed to open state cache: %w", err)
		}
		defer stateCache.Close()
	}

	srv := api.New(api.Options{Config: cfg, StateCache: stateCache})
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info("Listening", "addr", httpSrv.Addr, "fork", cfg.ForkURL != "", "chains", len(cfg.ForkURLs))
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func importSignatures(dbPath, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return err
	}
	sigs, err := trace.OpenSignatureDB(dbPath)
	if err != nil {
		return err
	}
	defer sigs.Close()

	n, err := sigs.ImportJSON(f)
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", path, err)
	}
	log.Info("Imported signatures", "file", path, "count", n)
	return nil
}
