// Package worker runs the goroutines that pull claimed messages from the
// scheduler, hand them to the dispatcher and report the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/ldnq/internal/action"
	"github.com/SirClappington/ldnq/internal/domain"
	"github.com/SirClappington/ldnq/internal/notify"
	"github.com/SirClappington/ldnq/internal/scheduler"
)

// Scheduler is the part of *scheduler.Scheduler the pool drives.
type Scheduler interface {
	Dispatch(ctx context.Context) (*domain.Message, error)
	Complete(ctx context.Context, m domain.Message, res scheduler.Result) error
}

type Config struct {
	Workers      int
	PollInterval time.Duration // wait between polls when idle
	Burst        int           // claims in a row before waiting again
	ErrorDelay   time.Duration // wait after a store error
	// ApplyTimeout bounds one dispatcher call; zero means no bound. Past the
	// lease duration the outcome is stale anyway.
	ApplyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Burst < 1 {
		c.Burst = 10
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = c.PollInterval
	}
	return c
}

// reportTimeout bounds the outcome write once Apply has returned, even when
// the pool is shutting down.
const reportTimeout = 10 * time.Second

// detach keeps ctx values but drops its cancellation: an Apply or report in
// flight outlives shutdown.
func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// ErrPanicked is returned by ProcessOne when the dispatcher panicked. No
// outcome is reported; the lease runs out and the reclaimer takes over.
var ErrPanicked = errors.New("dispatcher panicked")

type Pool struct {
	sched      Scheduler
	dispatcher action.Dispatcher
	cfg        Config
	log        *zap.Logger
	notifier   notify.Notifier
}

type Option func(*Pool)

func WithNotifier(n notify.Notifier) Option {
	return func(p *Pool) { p.notifier = n }
}

func NewPool(sched Scheduler, dispatcher action.Dispatcher, cfg Config, log *zap.Logger, opts ...Option) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		sched:      sched,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		log:        log,
		notifier:   notify.Noop{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run blocks until ctx is done and every worker has returned. Cancelling ctx
// stops new claims; calls already inside the dispatcher run to completion.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("poll_interval", p.cfg.PollInterval),
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			p.loop(ctx, p.log.With(zap.Int("worker", i)))
			return nil
		})
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, log *zap.Logger) {
	burst := 0
	for ctx.Err() == nil {
		processed, err := p.ProcessOne(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Warn("process message", zap.Error(err))
			burst = 0
			if !errors.Is(err, ErrPanicked) {
				wait(ctx, p.cfg.ErrorDelay)
			}
		case processed && burst < p.cfg.Burst:
			burst++
		default:
			burst = 0
			p.notifier.Wait(ctx, p.cfg.PollInterval)
		}
	}
}

// ProcessOne claims one message, applies it and reports the outcome. It
// reports false when nothing was ready.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	m, err := p.sched.Dispatch(ctx)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}

	actx, cancelApply := detach(ctx, p.cfg.ApplyTimeout)
	applyErr := p.apply(actx, *m)
	cancelApply()
	if errors.Is(applyErr, ErrPanicked) {
		return true, fmt.Errorf("message %s: %w", m.ID, applyErr)
	}

	outcome, status := action.Classify(applyErr)
	res := scheduler.Result{Outcome: outcome, Status: status}
	if applyErr != nil {
		res.Reason = applyErr.Error()
	}

	rctx, cancel := detach(ctx, reportTimeout)
	defer cancel()
	if err := p.sched.Complete(rctx, *m, res); err != nil {
		if errors.Is(err, scheduler.ErrLeaseLost) {
			// reclaimed while we worked; the new owner reports
			return true, nil
		}
		return true, err
	}
	return true, nil
}

func (p *Pool) apply(ctx context.Context, m domain.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("dispatcher panic",
				zap.String("message_id", m.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return p.dispatcher.Apply(ctx, m)
}

func wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
