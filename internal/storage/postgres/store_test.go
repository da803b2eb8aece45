package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/SirClappington/ldnq/internal/storage"
	"github.com/SirClappington/ldnq/internal/storage/storetest"
)

// startDatabase runs a fresh postgres container and returns its DSN.
func startDatabase(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ldnq_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func connect(t *testing.T, dsn string) *pgxpool.Pool {
	t.Helper()
	pool, err := Connect(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func setupDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool := connect(t, startDatabase(t))
	require.NoError(t, Migrate(context.Background(), pool, migrationsDir))
	return pool
}

const migrationsDir = "../../../migrations"

func TestStore(t *testing.T) {
	pool := setupDatabase(t)

	storetest.Run(t, func(t *testing.T) storage.Store {
		_, err := pool.Exec(context.Background(), `truncate table ldn_messages`)
		require.NoError(t, err)
		return New(pool)
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	pool := setupDatabase(t)
	assert.NoError(t, Migrate(context.Background(), pool, migrationsDir))
}

func TestMigrate_ConcurrentStartup(t *testing.T) {
	dsn := startDatabase(t)

	// one pool per process starting at the same time
	const procs = 4
	pools := make([]*pgxpool.Pool, procs)
	for i := range pools {
		pools[i] = connect(t, dsn)
	}
	errs := make(chan error, procs)
	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- Migrate(context.Background(), p, migrationsDir)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	var n int
	require.NoError(t, pools[0].QueryRow(context.Background(), `select count(*) from ldn_messages`).Scan(&n))
	assert.Zero(t, n)
}

func TestLeader_SingleHolder(t *testing.T) {
	pool := setupDatabase(t)
	ctx := context.Background()

	a := NewLeader(pool, ReclaimLockKey)
	b := NewLeader(pool, ReclaimLockKey)

	ok, err := a.TryLead(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.TryLead(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder keeps the lock across ticks")

	ok, err = b.TryLead(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	a.Release(ctx)
	ok, err = b.TryLead(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "lock is free after release")
	b.Release(ctx)
}
