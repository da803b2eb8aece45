// Package storetest holds the behaviour every storage.Store must share. Each
// backend's tests call Run with its own constructor.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/ldnq/internal/domain"
	"github.com/SirClappington/ldnq/internal/storage"
)

// Base is the reference instant used by the suite. Whole seconds so every
// backend round-trips it exactly.
var Base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Fixture describes a record to stage through the public Store API.
type Fixture struct {
	Status        domain.Status
	Attempts      int
	LastStart     time.Time // required when Attempts > 0
	LeaseDeadline time.Time
	CreatedAt     time.Time
}

// Stage drives a fresh record through Enqueue/TryClaim/ReportOutcome until it
// matches sp and returns its id.
func Stage(t testing.TB, s storage.Store, sp Fixture) string {
	t.Helper()
	ctx := context.Background()

	created := sp.CreatedAt
	if created.IsZero() {
		created = Base.Add(-24 * time.Hour)
	}
	m := domain.NewMessage("urn:uuid:"+uuid.NewString(), []byte(`{"type":"Announce"}`), created)
	if sp.Attempts == 0 {
		m.LeaseDeadline = sp.LeaseDeadline
		if m.LeaseDeadline.IsZero() {
			m.LeaseDeadline = created
		}
	}
	require.NoError(t, s.Enqueue(ctx, m))
	if sp.Attempts == 0 {
		if sp.Status != domain.Queued && sp.Status != "" {
			t.Fatalf("stage: attempts=0 only supports queued, got %s", sp.Status)
		}
		return m.ID
	}
	require.False(t, sp.LastStart.IsZero(), "stage: LastStart required when Attempts > 0")

	for i := 0; i < sp.Attempts; i++ {
		last := i == sp.Attempts-1
		at := sp.LastStart.Add(-time.Duration(sp.Attempts-1-i) * time.Second)
		lease := time.Minute
		if last && sp.Status == domain.Processing {
			lease = sp.LeaseDeadline.Sub(at)
		}
		ok, err := s.TryClaim(ctx, storage.Claim{
			ID: m.ID, ExpectedStatus: domain.Queued, ExpectedAttempts: i,
			Now: at, LeaseDuration: lease,
		})
		require.NoError(t, err)
		require.True(t, ok, "stage claim %d", i)

		if last && sp.Status == domain.Processing {
			break
		}
		target := domain.Queued
		deadline := at
		if last {
			target = sp.Status
			deadline = sp.LeaseDeadline
		}
		ok, err = s.ReportOutcome(ctx, storage.Report{
			ID: m.ID, ExpectedAttempts: i + 1, Status: target,
			LeaseDeadline: deadline, Now: at,
		})
		require.NoError(t, err)
		require.True(t, ok, "stage report %d", i)
	}
	return m.ID
}

func ids(ms []domain.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

// Run executes the shared store behaviour against stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()
	now := Base
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	const max = 3

	t.Run("EnqueueAndGet", func(t *testing.T) {
		s := newStore(t)
		m := domain.NewMessage("urn:uuid:abc", []byte(`{"id":"urn:uuid:abc"}`), now)
		require.NoError(t, s.Enqueue(ctx, m))

		got, err := s.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, domain.Queued, got.Status)
		assert.Equal(t, 0, got.Attempts)
		assert.Equal(t, "urn:uuid:abc", got.PayloadRef)
		assert.JSONEq(t, `{"id":"urn:uuid:abc"}`, string(got.Payload))
		assert.True(t, got.LeaseDeadline.Equal(now))
		assert.True(t, got.LastStartTime.IsZero())

		_, err = s.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("SelectReadyToProcess_Predicate", func(t *testing.T) {
		s := newStore(t)
		due := Stage(t, s, Fixture{Status: domain.Queued, Attempts: 1, LastStart: past.Add(-time.Hour), LeaseDeadline: past})
		fresh := Stage(t, s, Fixture{Status: domain.Queued, LeaseDeadline: past})
		Stage(t, s, Fixture{Status: domain.Queued, Attempts: 1, LastStart: past, LeaseDeadline: future})
		Stage(t, s, Fixture{Status: domain.Queued, Attempts: max, LastStart: past, LeaseDeadline: past})
		Stage(t, s, Fixture{Status: domain.Processing, Attempts: 1, LastStart: past, LeaseDeadline: past})
		Stage(t, s, Fixture{Status: domain.Processed, Attempts: 1, LastStart: past, LeaseDeadline: past})
		Stage(t, s, Fixture{Status: domain.Failed, Attempts: 2, LastStart: past, LeaseDeadline: past})
		Stage(t, s, Fixture{Status: domain.Queued, LeaseDeadline: now})

		got, err := s.SelectReadyToProcess(ctx, now, max)
		require.NoError(t, err)
		assert.Equal(t, []string{due, fresh}, ids(got))
	})

	t.Run("SelectLeaseExpired_Predicate", func(t *testing.T) {
		s := newStore(t)
		atMax := Stage(t, s, Fixture{Status: domain.Processing, Attempts: max, LastStart: past.Add(-time.Hour), LeaseDeadline: past})
		expired := Stage(t, s, Fixture{Status: domain.Processing, Attempts: 1, LastStart: past.Add(-time.Hour), LeaseDeadline: past})
		Stage(t, s, Fixture{Status: domain.Processing, Attempts: 1, LastStart: past, LeaseDeadline: future})
		Stage(t, s, Fixture{Status: domain.Queued, Attempts: 1, LastStart: past, LeaseDeadline: past})
		Stage(t, s, Fixture{Status: domain.Processing, Attempts: max + 1, LastStart: past, LeaseDeadline: past})

		got, err := s.SelectLeaseExpired(ctx, now, max)
		require.NoError(t, err)
		assert.Equal(t, []string{atMax, expired}, ids(got))
	})

	t.Run("Ordering_AttemptsDescThenLastStartAsc", func(t *testing.T) {
		s := newStore(t)
		t1 := now.Add(-10 * time.Minute)
		t2 := now.Add(-20 * time.Minute)
		t3 := now.Add(-5 * time.Minute)
		r1 := Stage(t, s, Fixture{Status: domain.Queued, Attempts: 3, LastStart: t1, LeaseDeadline: past})
		r2 := Stage(t, s, Fixture{Status: domain.Queued, Attempts: 3, LastStart: t2, LeaseDeadline: past})
		r3 := Stage(t, s, Fixture{Status: domain.Queued, Attempts: 1, LastStart: t3, LeaseDeadline: past})

		got, err := s.SelectReadyToProcess(ctx, now, 5)
		require.NoError(t, err)
		assert.Equal(t, []string{r2, r1, r3}, ids(got))
	})

	t.Run("Ordering_FreshRecordsByCreation", func(t *testing.T) {
		s := newStore(t)
		second := Stage(t, s, Fixture{Status: domain.Queued, LeaseDeadline: past, CreatedAt: now.Add(-time.Hour)})
		first := Stage(t, s, Fixture{Status: domain.Queued, LeaseDeadline: past, CreatedAt: now.Add(-2 * time.Hour)})

		got, err := s.SelectReadyToProcess(ctx, now, max)
		require.NoError(t, err)
		assert.Equal(t, []string{first, second}, ids(got))
	})

	t.Run("RetryBudget_NeverPickedAtMax", func(t *testing.T) {
		s := newStore(t)
		Stage(t, s, Fixture{Status: domain.Queued, Attempts: max, LastStart: past, LeaseDeadline: now.Add(-24 * time.Hour)})

		got, err := s.SelectReadyToProcess(ctx, now.Add(24*time.Hour), max)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("MaxAttemptsZero_NothingReady", func(t *testing.T) {
		s := newStore(t)
		Stage(t, s, Fixture{Status: domain.Queued, LeaseDeadline: past})

		got, err := s.SelectReadyToProcess(ctx, now, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("TryClaim_AppliesLease", func(t *testing.T) {
		s := newStore(t)
		id := Stage(t, s, Fixture{Status: domain.Queued, LeaseDeadline: past})

		ok, err := s.TryClaim(ctx, storage.Claim{
			ID: id, ExpectedStatus: domain.Queued, ExpectedAttempts: 0,
			Now: now, LeaseDuration: 5 * time.Minute,
		})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.Processing, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.True(t, got.LeaseDeadline.Equal(now.Add(5*time.Minute)), "deadline %s", got.LeaseDeadline)
		assert.True(t, got.LastStartTime.Equal(now), "last start %s", got.LastStartTime)
	})

	t.Run("TryClaim_StalePreconditionFails", func(t *testing.T) {
		s := newStore(t)
		id := Stage(t, s, Fixture{Status: domain.Queued, Attempts: 1, LastStart: past, LeaseDeadline: past})

		ok, err := s.TryClaim(ctx, storage.Claim{ID: id, ExpectedStatus: domain.Queued, ExpectedAttempts: 0, Now: now, LeaseDuration: time.Minute})
		require.NoError(t, err)
		assert.False(t, ok, "attempts mismatch")

		ok, err = s.TryClaim(ctx, storage.Claim{ID: id, ExpectedStatus: domain.Processing, ExpectedAttempts: 1, Now: now, LeaseDuration: time.Minute})
		require.NoError(t, err)
		assert.False(t, ok, "status mismatch")

		ok, err = s.TryClaim(ctx, storage.Claim{ID: uuid.NewString(), ExpectedStatus: domain.Queued, Now: now, LeaseDuration: time.Minute})
		require.NoError(t, err)
		assert.False(t, ok, "missing row")
	})

	t.Run("TryClaim_ConcurrentExactlyOneWins", func(t *testing.T) {
		s := newStore(t)
		id := Stage(t, s, Fixture{Status: domain.Queued, LeaseDeadline: past})

		const n = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
			errs []error
		)
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				ok, err := s.TryClaim(ctx, storage.Claim{
					ID: id, ExpectedStatus: domain.Queued, ExpectedAttempts: 0,
					Now: now, LeaseDuration: time.Minute,
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
				}
				if ok {
					wins++
				}
			}()
		}
		wg.Wait()

		require.Empty(t, errs)
		assert.Equal(t, 1, wins)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempts)
	})

	t.Run("ReportOutcome_Transitions", func(t *testing.T) {
		s := newStore(t)
		cases := []struct {
			status domain.Status
			reason string
		}{
			{domain.Processed, ""},
			{domain.Failed, "bad payload"},
			{domain.Unmapped, "no route"},
			{domain.Queued, "timeout"},
		}
		for _, tc := range cases {
			id := Stage(t, s, Fixture{Status: domain.Processing, Attempts: 1, LastStart: past, LeaseDeadline: future})
			retryAt := now.Add(30 * time.Second)
			ok, err := s.ReportOutcome(ctx, storage.Report{
				ID: id, ExpectedAttempts: 1, Status: tc.status,
				LeaseDeadline: retryAt, Reason: tc.reason, Now: now,
			})
			require.NoError(t, err)
			require.True(t, ok, tc.status)

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, 1, got.Attempts, "attempts never change on report")
			if tc.status == domain.Queued {
				assert.True(t, got.LeaseDeadline.Equal(retryAt))
			}
			if tc.reason != "" {
				require.NotNil(t, got.LastError)
				assert.Equal(t, tc.reason, *got.LastError)
			}
		}
	})

	t.Run("ReportOutcome_GuardedByAttempts", func(t *testing.T) {
		s := newStore(t)
		id := Stage(t, s, Fixture{Status: domain.Processing, Attempts: 2, LastStart: past, LeaseDeadline: future})

		ok, err := s.ReportOutcome(ctx, storage.Report{ID: id, ExpectedAttempts: 1, Status: domain.Processed, Now: now})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.ReportOutcome(ctx, storage.Report{ID: id, ExpectedAttempts: 2, Status: domain.Processed, Now: now})
		require.NoError(t, err)
		assert.True(t, ok)

		// already terminal
		ok, err = s.ReportOutcome(ctx, storage.Report{ID: id, ExpectedAttempts: 2, Status: domain.Failed, Now: now})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ListAndCount", func(t *testing.T) {
		s := newStore(t)
		var queued []string
		for i := 0; i < 5; i++ {
			queued = append(queued, Stage(t, s, Fixture{
				Status: domain.Queued, LeaseDeadline: past,
				CreatedAt: now.Add(time.Duration(i-10) * time.Minute),
			}))
		}
		Stage(t, s, Fixture{Status: domain.Processed, Attempts: 1, LastStart: past, LeaseDeadline: past})

		page, err := s.List(ctx, storage.ListFilter{Status: domain.Queued, Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, queued[1:3], ids(page))

		all, err := s.List(ctx, storage.ListFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 6)

		empty, err := s.List(ctx, storage.ListFilter{Status: domain.Queued, Offset: 100})
		require.NoError(t, err)
		assert.Empty(t, empty)

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, counts[domain.Queued])
		assert.Equal(t, 1, counts[domain.Processed])
		assert.Equal(t, 0, counts[domain.Failed])
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
