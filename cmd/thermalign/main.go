package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"thermalign/internal/cli"
	"thermalign/internal/config"
	"thermalign/internal/logging"
	"thermalign/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	var store *storage.Store
	if cfg.Storage.DatabasePath != "" {
		store, err = storage.New(cfg.Storage.DatabasePath)
		if err != nil {
			logger.Warn("run ledger unavailable, continuing without it", "path", cfg.Storage.DatabasePath, "error", err)
			store = nil
		} else {
			defer store.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCmd(cfg, logger, store)
	cmd.SilenceErrors = true
	return cmd.ExecuteContext(ctx)
}
