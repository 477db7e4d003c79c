// Package breaker implements a per-dependency circuit breaker.
//
//	Closed   -> failure_count >= threshold       -> Open
//	Open     -> recovery timeout since last fail -> HalfOpen (one trial at a time)
//	HalfOpen -> success_threshold successes      -> Closed
//	HalfOpen -> any counted failure              -> Open
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config configures a breaker.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`

	// Expected reports whether err counts as a failure. Errors it rejects pass
	// through without changing state. Nil counts every error.
	Expected func(err error) bool `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name             string        `json:"name"`
	State            string        `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	LastFailureTime  time.Time     `json:"last_failure_time,omitempty"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	SuccessThreshold int           `json:"success_threshold"`
}

// StateChangeFunc is called after a transition, outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// Option customizes a breaker.
type Option func(*CircuitBreaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChangeHook registers a transition callback.
func WithStateChangeHook(fn StateChangeFunc) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// CircuitBreaker gates calls to one dependency. Safe for concurrent use.
type CircuitBreaker struct {
	mu            sync.Mutex
	name          string
	cfg           Config
	state         State
	failureCount  int
	successCount  int
	lastFailure   time.Time
	trialInFlight bool
	now           func() time.Time
	onChange      StateChangeFunc
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the stored state. An Open breaker whose timeout elapsed stays
// Open until the next admission check.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow checks whether a call may proceed. A nil return admits exactly one call,
// which must be followed by Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	var changed bool
	var from State

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.cfg.RecoveryTimeout {
			cb.mu.Unlock()
			return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		}
		from, changed = cb.setState(StateHalfOpen)
		cb.trialInFlight = true
	case StateHalfOpen:
		if cb.trialInFlight {
			cb.mu.Unlock()
			return fmt.Errorf("%s: trial in progress: %w", cb.name, ErrCircuitOpen)
		}
		cb.trialInFlight = true
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return nil
}

// Record reports the result of an admitted call.
func (cb *CircuitBreaker) Record(err error) {
	switch {
	case err == nil:
		cb.RecordSuccess()
	case cb.cfg.Expected == nil || cb.cfg.Expected(err):
		cb.RecordFailure()
	default:
		cb.Release()
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var changed bool
	var from State

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			from, changed = cb.setState(StateClosed)
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateClosed)
	}
}

// RecordFailure records a counted failure. May trip the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var changed bool
	var from State

	cb.failureCount++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.cfg.FailureThreshold {
			from, changed = cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.trialInFlight = false
		from, changed = cb.setState(StateOpen)
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateOpen)
	}
}

// Release frees the half-open trial slot without counting the call.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	cb.trialInFlight = false
	cb.mu.Unlock()
}

// Execute runs fn under the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			cb.Release()
			panic(r)
		}
	}()
	err := fn(ctx)
	cb.Record(err)
	return err
}

// Reset forces the breaker to Closed. Idempotent.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, changed := cb.setState(StateClosed)
	cb.lastFailure = time.Time{}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateClosed)
	}
}

// Snapshot returns the current counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:             cb.name,
		State:            cb.state.String(),
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		LastFailureTime:  cb.lastFailure,
		FailureThreshold: cb.cfg.FailureThreshold,
		RecoveryTimeout:  cb.cfg.RecoveryTimeout,
		SuccessThreshold: cb.cfg.SuccessThreshold,
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State) (State, bool) {
	from := cb.state
	switch to {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.trialInFlight = false
	case StateHalfOpen:
		cb.successCount = 0
	case StateOpen:
		cb.successCount = 0
	}
	cb.state = to
	return from, from != to
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}
