package ingestor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy wraps an operation with retries.
type RetryPolicy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// RetryPolicyFunc adapts a function to RetryPolicy.
type RetryPolicyFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f RetryPolicyFunc) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

type nopRetry struct{}

func (nopRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// SimpleRetry retries an operation using exponential backoff.
//
// Context cancellation is never retried. When Retryable is set, only errors
// it accepts are retried; the first rejected error is returned as is.
type SimpleRetry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
	Retryable func(error) bool
}

func (r SimpleRetry) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return r.Retryable == nil || r.Retryable(err)
}

// backoff returns the delay bounds, or zero for immediate retries.
func (r SimpleRetry) backoff() (base, max time.Duration) {
	if r.BaseDelay <= 0 && r.MaxDelay <= 0 {
		return 0, 0
	}
	base = r.BaseDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	max = r.MaxDelay
	if max <= 0 {
		max = 2 * time.Second
	}
	return base, maxDur(base, max)
}

func (r SimpleRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	base, max := r.backoff()
	delay := base

	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !r.retryable(last) || i == attempts-1 {
			return last
		}
		if delay == 0 {
			continue
		}

		d := delay
		if r.Jitter {
			d = time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
		}
		if d > max {
			d = max
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = min(delay*2, max)
	}

	return last
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
