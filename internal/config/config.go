package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
	DriverMemory   = "memory"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"prod"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	PebbleDir     string `env:"PEBBLE_DIR" envDefault:"data/ldnq"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	MaxAttempts          int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	LeaseDuration        time.Duration `env:"LEASE_DURATION" envDefault:"5m"`
	BackoffBase          time.Duration `env:"BACKOFF_BASE" envDefault:"30s"`
	BackoffMax           time.Duration `env:"BACKOFF_MAX" envDefault:"1h"`
	DispatchPollInterval time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"1s"`
	ReclaimPollInterval  time.Duration `env:"RECLAIM_POLL_INTERVAL" envDefault:"30s"`
	Workers              int           `env:"WORKERS" envDefault:"4"`
	WorkerBurst          int           `env:"WORKER_BURST" envDefault:"10"`

	// EmbeddedWorkers runs the pool and reclaimer inside the API process,
	// the only way to share a memory or pebble store.
	EmbeddedWorkers bool `env:"EMBEDDED_WORKERS"`

	RoutesFile     string   `env:"ROUTES_FILE"`
	TrustedOrigins []string `env:"TRUSTED_ORIGINS" envSeparator:","`
	KafkaBrokers   []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic     string   `env:"KAFKA_TOPIC" envDefault:"ldn-outbound"`
}

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLocalStore    = errors.New("store is local to one process")
)

// Load parses the environment and validates the result. Any error here is
// meant to stop the process before it starts serving.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be >= 0, got %d", c.MaxAttempts))
	}
	if c.LeaseDuration <= 0 {
		errs = append(errs, fmt.Errorf("LEASE_DURATION must be > 0, got %s", c.LeaseDuration))
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 {
		errs = append(errs, errors.New("BACKOFF_BASE and BACKOFF_MAX must be >= 0"))
	}
	if c.DispatchPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_POLL_INTERVAL must be > 0, got %s", c.DispatchPollInterval))
	}
	if c.ReclaimPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("RECLAIM_POLL_INTERVAL must be > 0, got %s", c.ReclaimPollInterval))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be >= 1, got %d", c.Workers))
	}
	if c.WorkerBurst < 1 {
		errs = append(errs, fmt.Errorf("WORKER_BURST must be >= 1, got %d", c.WorkerBurst))
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres driver"))
		}
	case DriverPebble:
		if c.PebbleDir == "" {
			errs = append(errs, errors.New("PEBBLE_DIR is required for the pebble driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) Dev() bool { return c.AppEnv == "dev" }

// SharedStore reports whether separate processes see the same queue. Memory
// and pebble stores belong to the process that opened them.
func (c Config) SharedStore() bool { return c.StoreDriver == DriverPostgres }

// RequireSharedStore is for processes that only make sense next to an API
// process on another host: the standalone worker and scheduler.
func (c Config) RequireSharedStore(process string) error {
	if c.SharedStore() {
		return nil
	}
	return fmt.Errorf("%w: %s needs STORE_DRIVER=%s, got %q (run api with EMBEDDED_WORKERS instead)",
		ErrLocalStore, process, DriverPostgres, c.StoreDriver)
}
