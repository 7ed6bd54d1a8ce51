// Package resilience provides retry, circuit breaker and provider failover
// primitives.
//
// The central types are [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that protects callers from cascading failures,
// and [Retry], which re-runs transient failures with exponential backoff.
// [FallbackGroup] composes multiple instances of any provider type with
// per-entry circuit breakers so that a failing primary is automatically
// bypassed in favour of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker is in the open state and the reset
// timeout has not yet elapsed. Callers that need the reset deadline should use
// [CircuitOpenError].
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError carries the breaker name and the time at which probing may
// resume. It unwraps to [ErrCircuitOpen].
type CircuitOpenError struct {
	Name    string
	ResetAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.ResetAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with [ErrCircuitOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A
	// limited number of calls are allowed through; enough consecutive
	// successes close the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs, errors and the registry.
	Name string

	// FailureThreshold is the failure count in the closed state at which the
	// breaker opens. Successes in the closed state decrement the count down
	// to zero, so only a net run of failures trips it. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again. Default: 2.
	SuccessThreshold int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 60s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of probe calls allowed in the
	// half-open state. Default: 3.
	HalfOpenMax int
}

func (cfg CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return cfg
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int

	now func() time.Time

	mu               sync.Mutex
	state            State
	failureCount     int
	halfOpenCalls    int
	halfOpenSuccess  int
	lastFailure      time.Time
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		resetTimeout:     cfg.ResetTimeout,
		halfOpenMax:      cfg.HalfOpenMax,
		now:              time.Now,
		state:            StateClosed,
	}
}

// AllowRequest reports whether a call may proceed, performing the
// open → half-open transition when the reset timeout has elapsed. Callers
// using AllowRequest directly must pair it with [CircuitBreaker.RecordSuccess]
// or [CircuitBreaker.RecordFailure]; [CircuitBreaker.Execute] does this.
func (cb *CircuitBreaker) AllowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.allowLocked()
}

func (cb *CircuitBreaker) allowLocked() error {
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return &CircuitOpenError{Name: cb.name, ResetAt: cb.lastFailure.Add(cb.resetTimeout)}
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenSuccess = 0
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			return &CircuitOpenError{Name: cb.name, ResetAt: cb.lastFailure.Add(cb.resetTimeout)}
		}
	}

	if cb.state == StateHalfOpen {
		cb.halfOpenCalls++
	}
	return nil
}

// RecordSuccess notes a successful call. In the closed state it decrements the
// failure count (floor zero); in half-open it counts towards the consecutive
// successes needed to close the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.successThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.halfOpenCalls = 0
			cb.halfOpenSuccess = 0
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		}
	case StateClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	}
}

// RecordFailure notes a failed call. In the closed state it increments the
// failure count and opens the breaker at the threshold; in half-open any
// failure re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.halfOpenCalls = 0
		cb.halfOpenSuccess = 0
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened",
				"name", cb.name,
				"failure_count", cb.failureCount)
		}
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns a
// [CircuitOpenError] without calling fn. In the half-open state a limited
// number of probe calls are permitted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if err := cb.allowLocked(); err != nil {
		cb.mu.Unlock()
		return err
	}
	cb.mu.Unlock()

	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// FailureCount returns the current closed-state failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.halfOpenCalls = 0
	cb.halfOpenSuccess = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
