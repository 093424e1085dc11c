package stealthdp

import (
	"context"
	"time"
)

const (
	// DefaultInterval is the default retry interval.
	DefaultInterval = 100 * time.Millisecond

	// DefaultTimeout is the default wait timeout.
	DefaultTimeout = 30 * time.Second
)

// RetryPolicy is the interval and timeout of a wait. Zero values select
// DefaultInterval and DefaultTimeout.
type RetryPolicy struct {
	Interval time.Duration
	Timeout  time.Duration

	// Err is wrapped into the WaitTimeoutError returned on timeout, so
	// callers can match their own error with errors.Is.
	Err error
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// WaitFor evaluates cond until it succeeds, fails with a non-transient
// error, or the policy timeout elapses.
//
// A nil error ends the wait with cond's value. An error marked with
// Transient schedules another attempt after the policy interval; the last
// sleep is clipped to the remaining budget. Any other error is returned
// unchanged. The timeout is measured from the first attempt, and the wait is
// bounded by it alone: ctx is only handed to cond.
func WaitFor[T any](ctx context.Context, op string, policy RetryPolicy, cond func(context.Context) (T, error)) (T, error) {
	var zero T
	p := policy.withDefaults()

	start := time.Now()
	var last error
	for {
		v, err := cond(ctx)
		switch {
		case err == nil:
			return v, nil
		case !IsTransient(err):
			return zero, err
		}
		// keep the timeout itself from reading as transient
		last = err
		if t, ok := err.(transientError); ok {
			last = t.err
		}

		elapsed := time.Since(start)
		if elapsed >= p.Timeout {
			return zero, &WaitTimeoutError{
				Op:      op,
				Elapsed: elapsed,
				Err:     p.Err,
				Last:    last,
			}
		}

		d := p.Interval
		if rem := p.Timeout - elapsed; rem < d {
			d = rem
		}
		timer := time.NewTimer(d)
		<-timer.C
	}
}
