package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"jobpilot/app"
	"jobpilot/internal/config"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	if err := run(); err != nil {
		slog.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("JOBPILOT_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	_, closeLog := config.SetupLogger(cfg.Log.File, cfg.Log.SlogLevel())
	defer closeLog()

	// SIGINT and SIGTERM cancel the context; in-flight jobs get the
	// drain window, everything else stays in the ledger for recovery.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := app.NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer container.Close()

	if err := container.Run(ctx); err != nil {
		return err
	}

	slog.Info("orchestrator stopped")
	return nil
}
