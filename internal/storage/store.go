// Package storage defines the queue store the scheduler, workers and API
// share. Implementations live in the subpackages; each must make TryClaim and
// ReportOutcome atomic per row.
package storage

import (
	"context"
	"time"

	"github.com/SirClappington/ldnq/internal/domain"
)

// Store is the persistence boundary of the queue. Any method may fail with a
// transient error; callers treat that as "try again next poll".
type Store interface {
	// Enqueue persists a new record (source of truth).
	Enqueue(ctx context.Context, m *domain.Message) error

	// SelectReadyToProcess returns every record matching the pickup predicate
	// ordered by attempts DESC, last start ASC. No limit is applied.
	SelectReadyToProcess(ctx context.Context, now time.Time, maxAttempts int) ([]domain.Message, error)

	// SelectLeaseExpired returns every record matching the reclamation
	// predicate in the same order.
	SelectLeaseExpired(ctx context.Context, now time.Time, maxAttempts int) ([]domain.Message, error)

	// TryClaim moves a record into Processing if it still is in
	// ExpectedStatus with ExpectedAttempts. It reports false when the
	// precondition no longer holds.
	TryClaim(ctx context.Context, c Claim) (bool, error)

	// ReportOutcome applies a transition out of Processing. It reports false
	// when the record is no longer Processing at ExpectedAttempts, i.e.
	// somebody else already moved it.
	ReportOutcome(ctx context.Context, r Report) (bool, error)

	Get(ctx context.Context, id string) (domain.Message, error)
	List(ctx context.Context, f ListFilter) ([]domain.Message, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)

	Ping(ctx context.Context) error
	Close() error
}

type Claim struct {
	ID               string
	ExpectedStatus   domain.Status
	ExpectedAttempts int
	Now              time.Time
	LeaseDuration    time.Duration
}

// Report carries the target state of a record leaving Processing.
// LeaseDeadline is only meaningful when Status is Queued (the retry gate).
type Report struct {
	ID               string
	ExpectedAttempts int
	Status           domain.Status
	LeaseDeadline    time.Time
	Reason           string
	Now              time.Time
}

type ListFilter struct {
	Status domain.Status // empty means any status
	Limit  int
	Offset int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalize clamps the page the way every store applies it.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Apply returns the record a successful claim produces.
func (c Claim) Apply(m domain.Message) domain.Message {
	now := c.Now.UTC()
	m.Status = domain.Processing
	m.Attempts++
	m.LeaseDeadline = now.Add(c.LeaseDuration)
	m.LastStartTime = now
	m.UpdatedAt = now
	return m
}

// Matches reports whether m satisfies the claim precondition.
func (c Claim) Matches(m domain.Message) bool {
	return m.Status == c.ExpectedStatus && m.Attempts == c.ExpectedAttempts
}

// Apply returns the record after the reported transition.
func (r Report) Apply(m domain.Message) domain.Message {
	now := r.Now.UTC()
	m.Status = r.Status
	if r.Status == domain.Queued {
		m.LeaseDeadline = r.LeaseDeadline.UTC()
	}
	if r.Reason != "" {
		reason := r.Reason
		m.LastError = &reason
	} else if r.Status == domain.Processed {
		m.LastError = nil
	}
	m.UpdatedAt = now
	return m
}

// Matches reports whether m can still take the reported transition.
func (r Report) Matches(m domain.Message) bool {
	return m.Status == domain.Processing && m.Attempts == r.ExpectedAttempts
}
