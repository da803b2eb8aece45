// Package app builds the shared wiring of every ldnq process from config.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/ldnq/internal/action"
	"github.com/SirClappington/ldnq/internal/backoff"
	"github.com/SirClappington/ldnq/internal/config"
	"github.com/SirClappington/ldnq/internal/logging"
	"github.com/SirClappington/ldnq/internal/notify"
	"github.com/SirClappington/ldnq/internal/scheduler"
	"github.com/SirClappington/ldnq/internal/storage"
	"github.com/SirClappington/ldnq/internal/storage/memstore"
	pebblestore "github.com/SirClappington/ldnq/internal/storage/pebble"
	"github.com/SirClappington/ldnq/internal/storage/postgres"
	"github.com/SirClappington/ldnq/internal/worker"
)

type App struct {
	Config    config.Config
	Log       *zap.Logger
	Store     storage.Store
	Notifier  notify.Notifier
	Scheduler *scheduler.Scheduler

	pg      *pgxpool.Pool
	closers []func() error
}

// New opens the store (migrating Postgres), connects Redis when configured
// and builds the scheduler. Failures here are startup failures.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.openStore(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.openNotifier(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	var opts []scheduler.Option
	opts = append(opts, scheduler.WithNotifier(a.Notifier))
	if a.pg != nil {
		leader := postgres.NewLeader(a.pg, postgres.ReclaimLockKey)
		a.closers = append(a.closers, func() error {
			leader.Release(context.Background())
			return nil
		})
		opts = append(opts, scheduler.WithGate(leader))
	}
	sched, err := scheduler.New(a.Store, scheduler.Config{
		MaxAttempts:   cfg.MaxAttempts,
		LeaseDuration: cfg.LeaseDuration,
		Backoff:       backoff.Exponential{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
	}, logging.Component(log, "scheduler"), opts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	a.Scheduler = sched
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, a.Config.PostgresDSN)
		if err != nil {
			return err
		}
		a.pg = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		if err := postgres.Migrate(ctx, pool, a.Config.MigrationsDir); err != nil {
			return err
		}
		a.Store = postgres.New(pool)
	case config.DriverPebble:
		s, err := pebblestore.Open(pebblestore.Options{Dir: a.Config.PebbleDir})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, s.Close)
		a.Store = s
	case config.DriverMemory:
		a.Store = memstore.New()
	default:
		return fmt.Errorf("unknown store driver %q", a.Config.StoreDriver)
	}
	a.Log.Info("store opened", zap.String("driver", a.Config.StoreDriver))
	return nil
}

func (a *App) openNotifier(ctx context.Context) error {
	if a.Config.RedisAddr == "" {
		if a.Config.StoreDriver == config.DriverPostgres {
			// processes do not share rings; workers fall back to polling
			a.Notifier = notify.Noop{}
		} else {
			a.Notifier = notify.NewLocal()
		}
		return nil
	}
	rdb := r.NewClient(&r.Options{Addr: a.Config.RedisAddr, Password: a.Config.RedisPassword})
	a.closers = append(a.closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	a.Notifier = notify.NewRedis(rdb, logging.Component(a.Log, "notify"))
	return nil
}

// Dispatcher builds the action router from ROUTES_FILE. Without one every
// message is logged and accepted.
func (a *App) Dispatcher() (action.Dispatcher, error) {
	log := logging.Component(a.Log, "action")
	rf := action.RoutesFile{Routes: []action.RouteSpec{{Name: "default", Action: action.KindLog}}}
	if a.Config.RoutesFile != "" {
		loaded, err := action.LoadRoutes(a.Config.RoutesFile)
		if err != nil {
			return nil, err
		}
		rf = loaded
	}

	deps := action.Deps{Log: log, Updater: action.LogUpdater{Log: log}}
	if rf.UsesKafka() {
		if len(a.Config.KafkaBrokers) == 0 {
			return nil, errors.New("routes relay to kafka but KAFKA_BROKERS is empty")
		}
		w := action.NewKafkaWriter(a.Config.KafkaBrokers, a.Config.KafkaTopic, logging.Component(a.Log, "kafka"))
		a.closers = append(a.closers, w.Close)
		deps.Kafka = w
	}
	router, err := rf.Build(deps, a.Config.TrustedOrigins)
	if err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}
	return router, nil
}

func (a *App) WorkerPool(d action.Dispatcher) *worker.Pool {
	return worker.NewPool(a.Scheduler, d, worker.Config{
		Workers:      a.Config.Workers,
		PollInterval: a.Config.DispatchPollInterval,
		Burst:        a.Config.WorkerBurst,
		ApplyTimeout: a.Config.LeaseDuration,
	}, logging.Component(a.Log, "worker"), worker.WithNotifier(a.Notifier))
}

// Close releases everything New and Dispatcher opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
