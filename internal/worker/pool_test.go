package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/ldnq/internal/action"
	"github.com/SirClappington/ldnq/internal/backoff"
	"github.com/SirClappington/ldnq/internal/domain"
	"github.com/SirClappington/ldnq/internal/notify"
	"github.com/SirClappington/ldnq/internal/scheduler"
	"github.com/SirClappington/ldnq/internal/storage"
	"github.com/SirClappington/ldnq/internal/storage/memstore"
)

func newScheduler(t *testing.T, store storage.Store, opts ...scheduler.Option) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(store, scheduler.Config{
		MaxAttempts:   3,
		LeaseDuration: time.Minute,
		Backoff:       backoff.Constant(time.Hour),
	}, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return s
}

func enqueue(t *testing.T, store storage.Store, payload string) string {
	t.Helper()
	m := domain.NewMessage("urn:uuid:x", []byte(payload), time.Now().Add(-time.Second))
	require.NoError(t, store.Enqueue(context.Background(), m))
	return m.ID
}

func status(t *testing.T, store storage.Store, id string) domain.Message {
	t.Helper()
	m, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

func TestProcessOne_Outcomes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status domain.Status
		reason string
	}{
		{"success", nil, domain.Processed, ""},
		{"retryable", errors.New("503 from inbox"), domain.Queued, "503 from inbox"},
		{"permanent", action.Permanent(errors.New("bad payload")), domain.Failed, "bad payload"},
		{"unmapped", action.ErrUnmapped, domain.Unmapped, "no action mapped"},
		{"untrusted", action.ErrUntrusted, domain.Untrusted, "untrusted origin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := memstore.New()
			id := enqueue(t, store, `{}`)
			d := action.Func(func(context.Context, domain.Message) error { return tc.err })
			p := NewPool(newScheduler(t, store), d, Config{}, zaptest.NewLogger(t))

			processed, err := p.ProcessOne(context.Background())
			require.NoError(t, err)
			assert.True(t, processed)

			got := status(t, store, id)
			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, 1, got.Attempts)
			if tc.reason != "" {
				require.NotNil(t, got.LastError)
				assert.Equal(t, tc.reason, *got.LastError)
			}
		})
	}
}

func TestProcessOne_NothingReady(t *testing.T) {
	p := NewPool(newScheduler(t, memstore.New()), action.Log{L: zaptest.NewLogger(t)}, Config{}, nil)
	processed, err := p.ProcessOne(context.Background())
	assert.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessOne_PanicLeavesLease(t *testing.T) {
	store := memstore.New()
	id := enqueue(t, store, `{}`)
	d := action.Func(func(context.Context, domain.Message) error { panic("nil map") })
	p := NewPool(newScheduler(t, store), d, Config{}, zaptest.NewLogger(t))

	processed, err := p.ProcessOne(context.Background())
	assert.True(t, processed)
	assert.ErrorIs(t, err, ErrPanicked)

	got := status(t, store, id)
	assert.Equal(t, domain.Processing, got.Status, "no outcome reported")
	assert.Equal(t, 1, got.Attempts)
}

func TestProcessOne_ReportsAfterCancel(t *testing.T) {
	store := memstore.New()
	id := enqueue(t, store, `{}`)
	ctx, cancel := context.WithCancel(context.Background())
	d := action.Func(func(context.Context, domain.Message) error {
		cancel()
		return nil
	})
	p := NewPool(newScheduler(t, store), d, Config{}, zaptest.NewLogger(t))

	processed, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, domain.Processed, status(t, store, id).Status, "finished work is still recorded")
}

func TestRun_ShutdownLetsInFlightApplyFinish(t *testing.T) {
	store := memstore.New()
	id := enqueue(t, store, `{}`)
	sched, err := scheduler.New(store, scheduler.Config{MaxAttempts: 1, LeaseDuration: time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)

	started := make(chan context.Context, 1)
	release := make(chan struct{})
	d := action.Func(func(ctx context.Context, _ domain.Message) error {
		started <- ctx
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	p := NewPool(sched, d, Config{Workers: 1, PollInterval: 5 * time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	var applyCtx context.Context
	select {
	case applyCtx = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never called")
	}
	cancel()

	assert.Never(t, func() bool { return applyCtx.Err() != nil }, 50*time.Millisecond, 5*time.Millisecond,
		"shutdown must not cancel the dispatcher")
	got := status(t, store, id)
	assert.Equal(t, domain.Processing, got.Status)
	assert.Nil(t, got.LastError)
	select {
	case <-done:
		t.Fatal("Run returned with an Apply in flight")
	default:
	}

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the Apply finished")
	}
	assert.Equal(t, domain.Processed, status(t, store, id).Status)
}

func TestProcessOne_ApplyTimeoutBoundsCall(t *testing.T) {
	store := memstore.New()
	id := enqueue(t, store, `{}`)
	d := action.Func(func(ctx context.Context, _ domain.Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p := NewPool(newScheduler(t, store), d, Config{ApplyTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t))

	processed, err := p.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	got := status(t, store, id)
	assert.Equal(t, domain.Queued, got.Status, "timed out calls are retried")
	require.NotNil(t, got.LastError)
	assert.Equal(t, context.DeadlineExceeded.Error(), *got.LastError)
}

func TestRun_EachMessageAppliedOnce(t *testing.T) {
	store := memstore.New()
	const n = 50
	for i := 0; i < n; i++ {
		enqueue(t, store, `{}`)
	}

	var (
		mu    sync.Mutex
		seen  = map[string]int{}
		total atomic.Int32
	)
	d := action.Func(func(_ context.Context, m domain.Message) error {
		mu.Lock()
		seen[m.ID]++
		mu.Unlock()
		total.Add(1)
		return nil
	})
	p := NewPool(newScheduler(t, store), d, Config{Workers: 4, PollInterval: 5 * time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return total.Load() == n }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, id)
	}
	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, counts[domain.Processed])
}

func TestRun_RingWakesIdleWorker(t *testing.T) {
	store := memstore.New()
	n := notify.NewLocal()
	var applied atomic.Int32
	d := action.Func(func(context.Context, domain.Message) error {
		applied.Add(1)
		return nil
	})
	p := NewPool(newScheduler(t, store), d, Config{Workers: 1, PollInterval: time.Hour}, zaptest.NewLogger(t), WithNotifier(n))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// let the worker go idle on the hour-long wait
	time.Sleep(20 * time.Millisecond)
	enqueue(t, store, `{}`)
	require.NoError(t, n.Ring(ctx))

	assert.Eventually(t, func() bool { return applied.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

type failingScheduler struct{ calls atomic.Int32 }

func (f *failingScheduler) Dispatch(context.Context) (*domain.Message, error) {
	f.calls.Add(1)
	return nil, errors.New("store unavailable")
}

func (f *failingScheduler) Complete(context.Context, domain.Message, scheduler.Result) error {
	return nil
}

func TestRun_StoreErrorsDoNotStopPool(t *testing.T) {
	s := &failingScheduler{}
	p := NewPool(s, action.Log{L: zaptest.NewLogger(t)}, Config{Workers: 2, ErrorDelay: time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool { return s.calls.Load() >= 10 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
