package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/ldnq/internal/api"
	"github.com/SirClappington/ldnq/internal/app"
	"github.com/SirClappington/ldnq/internal/config"
	"github.com/SirClappington/ldnq/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ldnq-api:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
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

	deps := api.Deps{Store: a.Store, Notifier: a.Notifier, Log: logging.Component(log, "api")}
	g, ctx := errgroup.WithContext(ctx)

	if !cfg.EmbeddedWorkers && !cfg.SharedStore() {
		log.Warn("store is local to this process and EMBEDDED_WORKERS is off; nothing will be processed",
			zap.String("driver", cfg.StoreDriver))
	}
	if cfg.EmbeddedWorkers {
		d, err := a.Dispatcher()
		if err != nil {
			return err
		}
		pool := a.WorkerPool(d)
		deps.Processor = pool
		g.Go(func() error { return pool.Run(ctx) })
		g.Go(func() error {
			a.Scheduler.RunReclaimer(ctx, cfg.ReclaimPollInterval)
			return nil
		})
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr), zap.Bool("embedded_workers", cfg.EmbeddedWorkers))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
