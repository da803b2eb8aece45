package notify

import (
	"context"
	"time"
)

// Local rings workers of the same process.
type Local struct {
	ch chan struct{}
}

func NewLocal() *Local {
	return &Local{ch: make(chan struct{}, 1)}
}

func (l *Local) Ring(context.Context) error {
	select {
	case l.ch <- struct{}{}:
	default:
		// a ring is already pending
	}
	return nil
}

func (l *Local) RingAt(ctx context.Context, _ string, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return l.Ring(ctx)
	}
	time.AfterFunc(d, func() { _ = l.Ring(context.Background()) })
	return nil
}

func (l *Local) Wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return false
	case <-l.ch:
		return true
	}
}

// MoveDue is a no-op; delayed rings are timers.
func (l *Local) MoveDue(context.Context, time.Time) (int, error) { return 0, nil }
