package notify

import (
	"context"
	"testing"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func setupRedis(t *testing.T) *r.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container tests skipped in -short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := r.NewClient(&r.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestRedis_RingAndWait(t *testing.T) {
	rdb := setupRedis(t)
	q := NewRedis(rdb, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, q.Ring(ctx))
	assert.True(t, q.Wait(ctx, time.Second))
	assert.False(t, q.Wait(ctx, time.Second), "token consumed")
}

func TestRedis_RingAtAndMoveDue(t *testing.T) {
	rdb := setupRedis(t)
	q := NewRedis(rdb, zaptest.NewLogger(t))
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	require.NoError(t, q.RingAt(ctx, "m1", at))
	require.NoError(t, q.RingAt(ctx, "m2", at.Add(time.Hour)))

	n, err := rdb.ZCard(ctx, DelayKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	moved, err := q.MoveDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, moved, "nothing due yet")

	moved, err = q.MoveDue(ctx, at.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	assert.True(t, q.Wait(ctx, time.Second))
	n, err = rdb.ZCard(ctx, DelayKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRedis_PendingTokensAreBounded(t *testing.T) {
	rdb := setupRedis(t)
	q := NewRedis(rdb, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < maxPending+10; i++ {
		require.NoError(t, q.Ring(ctx))
	}
	n, err := rdb.LLen(ctx, WakeKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, maxPending, n)
}
