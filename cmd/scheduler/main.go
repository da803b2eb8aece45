package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/ldnq/internal/app"
	"github.com/SirClappington/ldnq/internal/config"
	"github.com/SirClappington/ldnq/internal/logging"
)

// The scheduler process runs the reclamation cycle and moves delayed rings.
// With Postgres, replicas compete for an advisory lock and only the holder
// works each tick.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ldnq-scheduler:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireSharedStore("scheduler"); err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.Dev())
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info("reclaimer started",
		zap.Duration("interval", cfg.ReclaimPollInterval),
		zap.Int("max_attempts", cfg.MaxAttempts),
		zap.Duration("lease", cfg.LeaseDuration),
	)
	a.Scheduler.RunReclaimer(ctx, cfg.ReclaimPollInterval)
	return nil
}
