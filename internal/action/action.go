// Package action is what a worker does with a claimed message. The core only
// sees Dispatcher; concrete actions are picked by the routes configuration.
package action

import (
	"context"
	"errors"

	"github.com/SirClappington/ldnq/internal/domain"
)

// Dispatcher applies a message. A nil error is success; errors wrapped with
// Permanent (or matching ErrUnmapped/ErrUntrusted) are permanent; anything
// else is retried.
type Dispatcher interface {
	Apply(ctx context.Context, m domain.Message) error
}

type Func func(ctx context.Context, m domain.Message) error

func (f Func) Apply(ctx context.Context, m domain.Message) error { return f(ctx, m) }

var (
	ErrUnmapped  = errors.New("no action mapped")
	ErrUntrusted = errors.New("untrusted origin")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Classify maps an Apply result to the outcome and the status it leads to.
// The status for a RetryableFailure is Queued; the scheduler decides whether
// budget is left.
func Classify(err error) (domain.Outcome, domain.Status) {
	switch {
	case err == nil:
		return domain.Success, domain.Processed
	case errors.Is(err, ErrUntrusted):
		return domain.PermanentFailure, domain.Untrusted
	case errors.Is(err, ErrUnmapped):
		return domain.PermanentFailure, domain.Unmapped
	case IsPermanent(err):
		return domain.PermanentFailure, domain.Failed
	default:
		return domain.RetryableFailure, domain.Queued
	}
}
