// Package notify wakes idle workers early. It is a latency optimisation only:
// the store stays authoritative and workers keep polling when no signal comes.
package notify

import (
	"context"
	"time"
)

type Notifier interface {
	// Ring wakes one waiting worker now.
	Ring(ctx context.Context) error
	// RingAt wakes one worker once at has passed (a retry becoming due).
	RingAt(ctx context.Context, id string, at time.Time) error
	// Wait blocks until a ring, d elapses, or ctx is done. It reports whether
	// it was woken by a ring.
	Wait(ctx context.Context, d time.Duration) bool
	// MoveDue turns delayed rings whose time has come into immediate rings.
	MoveDue(ctx context.Context, now time.Time) (int, error)
}

// sleep waits for d or ctx, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Noop never rings; Wait is a plain poll interval.
type Noop struct{}

func (Noop) Ring(context.Context) error                      { return nil }
func (Noop) RingAt(context.Context, string, time.Time) error { return nil }
func (Noop) MoveDue(context.Context, time.Time) (int, error) { return 0, nil }

func (Noop) Wait(ctx context.Context, d time.Duration) bool {
	sleep(ctx, d)
	return false
}
