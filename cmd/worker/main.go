package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/SirClappington/ldnq/internal/app"
	"github.com/SirClappington/ldnq/internal/config"
	"github.com/SirClappington/ldnq/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ldnq-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireSharedStore("worker"); err != nil {
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

	d, err := a.Dispatcher()
	if err != nil {
		return err
	}
	// in-flight messages left unreported on shutdown come back via lease expiry
	return a.WorkerPool(d).Run(ctx)
}
