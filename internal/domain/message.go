package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	Queued     Status = "queued"
	Processing Status = "processing"
	Processed  Status = "processed"
	Failed     Status = "failed"
	Untrusted  Status = "untrusted"
	Unmapped   Status = "unmapped"
)

var (
	ErrNotFound      = errors.New("message not found")
	ErrInvalidStatus = errors.New("invalid status")
)

// Terminal reports whether the scheduler will never revisit a record in s.
func (s Status) Terminal() bool {
	switch s {
	case Processed, Failed, Untrusted, Unmapped:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case Queued, Processing, Processed, Failed, Untrusted, Unmapped:
		return st, nil
	}
	return "", ErrInvalidStatus
}

type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case PermanentFailure:
		return "permanent_failure"
	}
	return "unknown"
}

// Message is one queued notification. While Status is Processing,
// LeaseDeadline is the lease expiry; while Queued it is the earliest retry
// time.
type Message struct {
	ID            string
	Status        Status
	Attempts      int
	LeaseDeadline time.Time
	LastStartTime time.Time
	PayloadRef    string
	Payload       []byte
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewMessage builds a record as the ingestion path stores it: queued, no
// attempts, eligible immediately.
func NewMessage(payloadRef string, payload []byte, now time.Time) *Message {
	now = now.UTC()
	return &Message{
		ID:            uuid.NewString(),
		Status:        Queued,
		Attempts:      0,
		LeaseDeadline: now,
		PayloadRef:    payloadRef,
		Payload:       payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ReadyToProcess is the pickup predicate.
func (m *Message) ReadyToProcess(now time.Time, maxAttempts int) bool {
	return m.Status == Queued && m.Attempts < maxAttempts && m.LeaseDeadline.Before(now)
}

// LeaseExpired is the reclamation predicate. Attempts equal to maxAttempts
// still match so the record can be moved to Failed.
func (m *Message) LeaseExpired(now time.Time, maxAttempts int) bool {
	return m.Status == Processing && m.Attempts <= maxAttempts && m.LeaseDeadline.Before(now)
}

// ByPriority orders candidates: most attempts first, then the one idle
// longest. A never-started record has a zero LastStartTime and sorts first.
// Remaining ties fall back to creation time and id so the order is total.
func ByPriority(a, b Message) int {
	if a.Attempts != b.Attempts {
		if a.Attempts > b.Attempts {
			return -1
		}
		return 1
	}
	if c := a.LastStartTime.Compare(b.LastStartTime); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
