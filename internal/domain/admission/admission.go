package admission

import (
	"context"
	"time"
)

// Policy describes how many requests an identity may make per window.
type Policy struct {
	Name        string
	MaxRequests int
	Window      time.Duration
}

// Decision is the outcome of an admission check. A denial is not an error.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Admitter decides whether an identity may proceed. Admit never blocks.
type Admitter interface {
	Admit(identity string, cost int) Decision
}

type options struct {
	now func() time.Time
}

// Option customises an admitter.
type Option func(*options)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type sweeper interface {
	Sweep() int
}

// StartJanitor sweeps expired identities every interval until ctx is done.
func StartJanitor(ctx context.Context, s sweeper, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}

func normalizeCost(cost int) int {
	if cost < 1 {
		return 1
	}
	return cost
}
