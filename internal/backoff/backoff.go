// Package backoff computes the retry gate applied when a message is re-armed.
package backoff

import "time"

// Policy returns the delay before a message that has been started attempts
// times may be picked again. Implementations must be non-decreasing in
// attempts.
type Policy interface {
	Delay(attempts int) time.Duration
}

type Exponential struct {
	Base time.Duration // e.g. 1s
	Max  time.Duration // e.g. 10m
}

func DefaultExponential() Exponential {
	return Exponential{
		Base: 1 * time.Second,
		Max:  10 * time.Minute,
	}
}

// Delay is Base * 2^(attempts-1), capped at Max. attempts < 1 behaves like 1.
func (e Exponential) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base, ceiling := e.Base, e.Max
	if base <= 0 {
		base = 1 * time.Second
	}
	if ceiling < base {
		ceiling = base
	}

	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		// doubling overflows long before attempts gets large
		if delay >= ceiling || delay <= 0 {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

type Constant time.Duration

func (c Constant) Delay(int) time.Duration {
	if c < 0 {
		return 0
	}
	return time.Duration(c)
}
