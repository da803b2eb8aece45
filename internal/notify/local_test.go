package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocal_RingWakesWaiter(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	assert.NoError(t, l.Ring(ctx))
	assert.True(t, l.Wait(ctx, time.Second))
	assert.False(t, l.Wait(ctx, 10*time.Millisecond), "ring is consumed")
}

func TestLocal_RingsCoalesce(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.NoError(t, l.Ring(ctx))
	}
	assert.True(t, l.Wait(ctx, time.Second))
	assert.False(t, l.Wait(ctx, 10*time.Millisecond))
}

func TestLocal_RingAt(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	assert.NoError(t, l.RingAt(ctx, "m1", time.Now().Add(30*time.Millisecond)))
	assert.False(t, l.Wait(ctx, 5*time.Millisecond), "not due yet")
	assert.True(t, l.Wait(ctx, time.Second))
}

func TestLocal_WaitHonoursContext(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.False(t, l.Wait(ctx, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestNoop_WaitIsPoll(t *testing.T) {
	var n Noop
	start := time.Now()
	assert.False(t, n.Wait(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	moved, err := n.MoveDue(context.Background(), time.Now())
	assert.NoError(t, err)
	assert.Zero(t, moved)
}
