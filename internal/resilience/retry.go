package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// minRetryDelay is the floor applied to every jittered backoff delay.
const minRetryDelay = 100 * time.Millisecond

// RetryPolicy controls how [Retry] re-runs a failing operation.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Default: 60s.
	MaxDelay time.Duration

	// ExponentialBase is the backoff multiplier. Default: 2.
	ExponentialBase float64

	// Jitter is the fraction of random spread applied to each delay
	// (delay · (1 ± Jitter)). Default: 0.1.
	Jitter float64

	// Retryable reports whether an error is worth retrying. Nil means every
	// error is retryable.
	Retryable func(error) bool

	// NonRetryable overrides Retryable: a matching error is propagated
	// immediately. Nil matches nothing.
	NonRetryable func(error) bool

	// OnRetry, if set, is invoked before each sleep with the 1-indexed attempt
	// number that just failed and its error.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	if p.ExponentialBase <= 0 {
		p.ExponentialBase = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0.1
	}
	return p
}

// Delay returns the backoff before attempt+1, for the given 1-indexed failed
// attempt: min(base·expBase^(attempt−1), max) scaled by (1 ± jitter) and
// floored at 100ms.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt-1))
	if capped := float64(p.MaxDelay); base > capped {
		base = capped
	}
	spread := 1 + p.Jitter*(2*rand.Float64()-1)
	d := time.Duration(base * spread)
	if d < minRetryDelay {
		d = minRetryDelay
	}
	return d
}

// RetryExhaustedError is returned by [Retry] when every attempt failed with a
// retryable error. It unwraps to the last error.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// Retry runs op up to policy.MaxAttempts times, sleeping with exponential
// backoff between attempts. Non-retryable errors and context cancellation
// propagate immediately; exhausting the budget returns a
// [RetryExhaustedError] wrapping the last error.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	_, err := RetryResult(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// RetryResult is the value-returning form of [Retry]. It is a package-level
// function because Go methods cannot introduce type parameters.
func RetryResult[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if policy.NonRetryable != nil && policy.NonRetryable(err) {
			return zero, err
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return zero, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		} else {
			slog.Debug("retrying after failure",
				"attempt", attempt,
				"delay", delay,
				"err", err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, &RetryExhaustedError{Attempts: policy.MaxAttempts, LastErr: lastErr}
}
