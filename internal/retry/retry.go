// Package retry repeats store and bus round trips that failed for reasons a
// second attempt can fix.
package retry

import (
	"context"
	"time"

	"github.com/rohankatakam/sterisafe/internal/errors"
)

// Policy bounds how an operation is retried
type Policy struct {
	// Attempts is the total number of tries, including the first
	Attempts int
	// Timeout caps every single attempt
	Timeout time.Duration
	// BaseDelay is the wait after the first failure; it doubles per retry
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Defaults to errors.IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicy is three attempts of at most five seconds each
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		Timeout:   5 * time.Second,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  2 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Retryable == nil {
		p.Retryable = errors.IsRetryable
	}
	return p
}

// Backoff returns the wait before retry n (1-based)
func (p Policy) Backoff(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// policy, or ctx ends. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.normalized()

	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil || !p.Retryable(err) || attempt == p.Attempts {
			return err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// Value is Do for operations that produce a result
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
