package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
)

// MigrateLockKey serializes goose runs of processes starting together; goose
// v2 takes no lock of its own.
const MigrateLockKey int64 = 43

var setDialect = sync.OnceValue(func() error { return goose.SetDialect("postgres") })

// Migrate applies the goose migrations found in dir while holding the
// migration advisory lock. Concurrent callers wait and then find nothing to do.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	if err := setDialect(); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migrate conn: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `select pg_advisory_lock($1)`, MigrateLockKey); err != nil {
		return fmt.Errorf("migrate lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, MigrateLockKey)
	}()

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("goose up %s: %w", dir, err)
	}
	return nil
}
