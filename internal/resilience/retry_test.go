package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		ExponentialBase: 2,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	v, err := RetryResult(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTest
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Errorf("v = %q, want %q", v, "ok")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return errTest
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var re *RetryExhaustedError
	if !errors.As(err, &re) {
		t.Fatalf("err = %T, want *RetryExhaustedError", err)
	}
	if re.Attempts != 3 {
		t.Errorf("re.Attempts = %d, want 3", re.Attempts)
	}
	if !errors.Is(err, errTest) {
		t.Error("exhausted error should unwrap to the last error")
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	p := fastPolicy()
	p.NonRetryable = func(err error) bool { return errors.Is(err, permanent) }

	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		return permanent
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want permanent error", err)
	}
	var re *RetryExhaustedError
	if errors.As(err, &re) {
		t.Fatal("non-retryable error must not be wrapped in RetryExhaustedError")
	}
}

func TestRetry_RetryablePredicateRespected(t *testing.T) {
	p := fastPolicy()
	p.Retryable = func(error) bool { return false }

	calls := 0
	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		return errTest
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
}

func TestRetry_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := fastPolicy()
	p.BaseDelay = time.Second

	err := Retry(ctx, p, func(context.Context) error { return errTest })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRetryPolicy_DelayBounds(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2,
		Jitter:          0.1,
	}.withDefaults()

	tests := []struct {
		attempt int
		lo, hi  time.Duration
	}{
		{1, 900 * time.Millisecond, 1100 * time.Millisecond},
		{2, 1800 * time.Millisecond, 2200 * time.Millisecond},
		{3, 3600 * time.Millisecond, 4400 * time.Millisecond},
		// Capped by MaxDelay before jitter.
		{10, 54 * time.Second, 66 * time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := p.Delay(tt.attempt)
			if d < tt.lo || d > tt.hi {
				t.Fatalf("Delay(%d) = %v, want in [%v, %v]", tt.attempt, d, tt.lo, tt.hi)
			}
		}
	}
}

func TestRetryPolicy_DelayFloor(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:       time.Millisecond,
		MaxDelay:        time.Second,
		ExponentialBase: 2,
		Jitter:          0.5,
	}.withDefaults()

	for i := 0; i < 50; i++ {
		if d := p.Delay(1); d < minRetryDelay {
			t.Fatalf("Delay(1) = %v, want >= %v", d, minRetryDelay)
		}
	}
}

func TestRetry_OnRetryObserver(t *testing.T) {
	var attempts []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	_ = Retry(context.Background(), p, func(context.Context) error { return errTest })

	// Two sleeps happen for three attempts, after attempts 1 and 2.
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("observer attempts = %v, want [1 2]", attempts)
	}
}
