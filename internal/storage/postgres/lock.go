package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ReclaimLockKey is the advisory lock id reclaimers compete for.
const ReclaimLockKey int64 = 42

// Leader holds a session advisory lock on a dedicated connection. The lock
// lives as long as the connection, so the conn is kept out of the pool until
// Release.
type Leader struct {
	pool *pgxpool.Pool
	key  int64
	conn *pgxpool.Conn
}

func NewLeader(pool *pgxpool.Pool, key int64) *Leader {
	return &Leader{pool: pool, key: key}
}

// TryLead reports whether this process holds the lock, acquiring it when
// free. Safe to call on every tick.
func (l *Leader) TryLead(ctx context.Context) (bool, error) {
	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		// connection died; the server already dropped the lock
		l.conn.Release()
		l.conn = nil
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock conn: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *Leader) Release(ctx context.Context) {
	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(ctx, `select pg_advisory_unlock($1)`, l.key)
	l.conn.Release()
	l.conn = nil
}
