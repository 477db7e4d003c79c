package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/guardian/internal/core/metrics"
)

// Registry owns named breakers. Create it once and pass it to call sites.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  Config
	overrides map[string]Config
	now       func() time.Time
	listeners []StateChangeFunc
}

// NewRegistry creates an empty registry. Overrides are keyed by breaker name.
func NewRegistry(defaults Config, overrides map[string]Config) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults,
		overrides: overrides,
		now:       time.Now,
	}
}

// SetClock injects the time source for breakers created afterwards.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetExpected installs the failure predicate for breakers created afterwards
// that have none of their own.
func (r *Registry) SetExpected(fn func(error) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults.Expected = fn
}

// OnStateChange registers a listener for every breaker's transitions.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// GetOrCreate returns the named breaker, creating it from config if needed.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg := r.defaults
	if o, ok := r.overrides[name]; ok {
		if o.Expected == nil {
			o.Expected = r.defaults.Expected
		}
		cfg = o
	}

	cb = New(name, cfg, WithClock(r.now), WithStateChangeHook(r.handleStateChange))
	r.breakers[name] = cb
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Get returns the named breaker if it exists.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Reset closes the named breaker. Returns false if it does not exist.
func (r *Registry) Reset(name string) bool {
	cb, ok := r.Get(name)
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// ResetAll closes every breaker. Calling it twice is the same as calling it once.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	all := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		all = append(all, cb)
	}
	r.mu.RUnlock()

	for _, cb := range all {
		cb.Reset()
	}
}

// Snapshots returns every breaker's state sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) handleStateChange(name string, from, to State) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()

	if to == StateOpen {
		slog.Warn("Circuit breaker opened", "breaker", name, "from", from.String())
	} else {
		slog.Info("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}

	r.mu.RLock()
	listeners := append([]StateChangeFunc(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(name, from, to)
	}
}
