package resilience

import "sync"

// Registry hands out circuit breakers keyed by name so that every caller
// hitting the same external dependency converges on the same trip state.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewRegistry creates a registry whose breakers inherit the supplied defaults.
// Zero-value fields of defaults fall back to the package defaults.
func NewRegistry(defaults CircuitBreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Breaker returns the breaker registered under name, creating it with the
// registry defaults on first use.
func (r *Registry) Breaker(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cfg := r.defaults
	cfg.Name = name
	cb := NewCircuitBreaker(cfg)
	r.breakers[name] = cb
	return cb
}

// Status returns a snapshot of every registered breaker's state, keyed by name.
func (r *Registry) Status() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}

// ResetAll forces every registered breaker back to the closed state.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry returns the process-wide breaker registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(CircuitBreakerConfig{})
	})
	return defaultRegistry
}

// Breaker returns a breaker from the process-wide registry.
func Breaker(name string) *CircuitBreaker {
	return DefaultRegistry().Breaker(name)
}
