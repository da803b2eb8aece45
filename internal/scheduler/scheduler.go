// Package scheduler decides what work is available. It runs the dispatch
// cycle (claim the best ready record) and the reclamation cycle (recover
// records whose lease expired without an outcome). All coordination goes
// through the store's compare-and-swap; no in-process lock spans a store call.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/ldnq/internal/backoff"
	"github.com/SirClappington/ldnq/internal/domain"
	"github.com/SirClappington/ldnq/internal/notify"
	"github.com/SirClappington/ldnq/internal/storage"
)

// ErrLeaseLost is returned by Complete when the record left Processing at the
// caller's attempt before the outcome arrived (reclaimed, possibly re-claimed).
var ErrLeaseLost = errors.New("lease lost")

const (
	reasonLeaseExpired = "lease expired"
	reasonExhausted    = "retry budget exhausted"
)

type Config struct {
	MaxAttempts   int
	LeaseDuration time.Duration
	Backoff       backoff.Policy
}

func (c Config) validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be >= 0, got %d", c.MaxAttempts)
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be > 0, got %s", c.LeaseDuration)
	}
	return nil
}

// Gate decides whether this process runs the reclamation cycle on a tick.
type Gate interface {
	TryLead(ctx context.Context) (bool, error)
}

type Scheduler struct {
	store    storage.Store
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
	notifier notify.Notifier
	gate     Gate
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithGate makes RunReclaimer skip ticks on which g does not grant leadership.
func WithGate(g Gate) Option {
	return func(s *Scheduler) { s.gate = g }
}

func New(store storage.Store, cfg Config, log *zap.Logger, opts ...Option) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.DefaultExponential()
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		store:    store,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		notifier: notify.Noop{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Dispatch claims the first ready record in priority order and returns it as
// claimed. It returns nil, nil when nothing is claimable. A lost claim race
// moves on to the next candidate.
func (s *Scheduler) Dispatch(ctx context.Context) (*domain.Message, error) {
	now := s.now()
	candidates, err := s.store.SelectReadyToProcess(ctx, now, s.cfg.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("select ready: %w", err)
	}
	if len(candidates) == 0 {
		s.log.Debug("no messages ready to process")
		return nil, nil
	}

	for _, c := range candidates {
		claim := storage.Claim{
			ID:               c.ID,
			ExpectedStatus:   domain.Queued,
			ExpectedAttempts: c.Attempts,
			Now:              now,
			LeaseDuration:    s.cfg.LeaseDuration,
		}
		ok, err := s.store.TryClaim(ctx, claim)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", c.ID, err)
		}
		if !ok {
			s.log.Debug("claim lost", zap.String("message_id", c.ID))
			continue
		}
		m := claim.Apply(c)
		s.log.Info("claim",
			zap.String("message_id", m.ID),
			zap.Int("attempts", m.Attempts),
			zap.String("status", string(m.Status)),
			zap.Time("lease_deadline", m.LeaseDeadline),
		)
		return &m, nil
	}
	return nil, nil
}

// Result is what a worker reports for a claimed record.
type Result struct {
	Outcome domain.Outcome
	// Status overrides Failed for a PermanentFailure (Untrusted, Unmapped).
	Status domain.Status
	Reason string
}

// Complete reports the outcome of m, which must be the record Dispatch
// returned. A retryable failure on the last allowed attempt fails the record
// since it could never be picked again.
func (s *Scheduler) Complete(ctx context.Context, m domain.Message, res Result) error {
	now := s.now()
	rep := storage.Report{
		ID:               m.ID,
		ExpectedAttempts: m.Attempts,
		Reason:           res.Reason,
		Now:              now,
	}

	switch res.Outcome {
	case domain.Success:
		rep.Status = domain.Processed
	case domain.RetryableFailure:
		if m.Attempts >= s.cfg.MaxAttempts {
			rep.Status = domain.Failed
			rep.Reason = joinReason(reasonExhausted, res.Reason)
		} else {
			rep.Status = domain.Queued
			rep.LeaseDeadline = now.Add(s.cfg.Backoff.Delay(m.Attempts))
		}
	case domain.PermanentFailure:
		rep.Status = domain.Failed
		if res.Status.Terminal() && res.Status != domain.Processed {
			rep.Status = res.Status
		}
	default:
		return fmt.Errorf("complete %s: unknown outcome %d", m.ID, res.Outcome)
	}

	ok, err := s.store.ReportOutcome(ctx, rep)
	if err != nil {
		return fmt.Errorf("report %s: %w", m.ID, err)
	}
	if !ok {
		s.log.Warn("outcome dropped",
			zap.String("message_id", m.ID),
			zap.Int("attempts", m.Attempts),
			zap.String("outcome", res.Outcome.String()),
		)
		return fmt.Errorf("report %s: %w", m.ID, ErrLeaseLost)
	}

	s.log.Info("outcome",
		zap.String("message_id", m.ID),
		zap.Int("attempts", m.Attempts),
		zap.String("outcome", res.Outcome.String()),
		zap.String("status", string(rep.Status)),
		zap.String("reason", rep.Reason),
	)
	if rep.Status == domain.Queued {
		s.ringAt(ctx, m.ID, rep.LeaseDeadline)
	}
	return nil
}

type ReclaimStats struct {
	Scanned  int
	Requeued int
	Failed   int
	// Skipped records changed under us between the scan and the update.
	Skipped int
}

// Reclaim runs one reclamation cycle. Records with attempts left go back to
// Queued behind their back-off; the rest fail. Running it again with no new
// expirations changes nothing.
func (s *Scheduler) Reclaim(ctx context.Context) (ReclaimStats, error) {
	var stats ReclaimStats
	now := s.now()
	expired, err := s.store.SelectLeaseExpired(ctx, now, s.cfg.MaxAttempts)
	if err != nil {
		return stats, fmt.Errorf("select lease expired: %w", err)
	}
	stats.Scanned = len(expired)

	for _, m := range expired {
		rep := storage.Report{
			ID:               m.ID,
			ExpectedAttempts: m.Attempts,
			Reason:           reasonLeaseExpired,
			Now:              now,
		}
		if m.Attempts < s.cfg.MaxAttempts {
			rep.Status = domain.Queued
			rep.LeaseDeadline = now.Add(s.cfg.Backoff.Delay(m.Attempts))
		} else {
			rep.Status = domain.Failed
			rep.Reason = joinReason(reasonExhausted, reasonLeaseExpired)
		}

		ok, err := s.store.ReportOutcome(ctx, rep)
		if err != nil {
			return stats, fmt.Errorf("reclaim %s: %w", m.ID, err)
		}
		if !ok {
			stats.Skipped++
			s.log.Debug("reclaim skipped", zap.String("message_id", m.ID))
			continue
		}
		if rep.Status == domain.Queued {
			stats.Requeued++
			s.ringAt(ctx, m.ID, rep.LeaseDeadline)
		} else {
			stats.Failed++
		}
		s.log.Info("reclaim",
			zap.String("message_id", m.ID),
			zap.Int("attempts", m.Attempts),
			zap.String("status", string(rep.Status)),
			zap.Time("expired_at", m.LeaseDeadline),
		)
	}
	return stats, nil
}

// RunReclaimer runs Reclaim every interval until ctx is done. Each tick also
// moves due delayed rings on the notifier. Errors are logged, never returned.
func (s *Scheduler) RunReclaimer(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		s.reclaimTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (s *Scheduler) reclaimTick(ctx context.Context) {
	if s.gate != nil {
		lead, err := s.gate.TryLead(ctx)
		if err != nil {
			s.log.Warn("leader check", zap.Error(err))
			return
		}
		if !lead {
			return
		}
	}
	stats, err := s.Reclaim(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("reclaim cycle aborted", zap.Error(err))
	}
	if stats.Scanned > 0 {
		s.log.Info("reclaim cycle",
			zap.Int("scanned", stats.Scanned),
			zap.Int("requeued", stats.Requeued),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped),
		)
	}
	if n, err := s.notifier.MoveDue(ctx, s.now()); err != nil {
		s.log.Warn("move due rings", zap.Error(err))
	} else if n > 0 {
		s.log.Debug("moved due rings", zap.Int("count", n))
	}
}

func (s *Scheduler) ringAt(ctx context.Context, id string, at time.Time) {
	if err := s.notifier.RingAt(ctx, id, at); err != nil {
		s.log.Debug("ring at", zap.String("message_id", id), zap.Error(err))
	}
}

func joinReason(prefix, reason string) string {
	if reason == "" {
		return prefix
	}
	return prefix + ": " + reason
}
