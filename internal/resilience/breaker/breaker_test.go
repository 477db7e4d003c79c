package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Mocks
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

// =============================================================================
// Tests
// =============================================================================

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := New("db", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 1}, WithClock(clock.Now))

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errBoom })
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after 2 failures, got %s", cb.State())
	}

	_ = cb.Execute(context.Background(), func(context.Context) error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("expected call to be rejected while open")
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := New("api", Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	cb := New("cache", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 2}, WithClock(clock.Now))

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	clock.Advance(9 * time.Second)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection before timeout, got %v", err)
	}

	clock.Advance(time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("expected trial to be admitted, got %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", cb.State())
	}

	// Only one trial call at a time
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected second concurrent trial to be rejected, got %v", err)
	}

	cb.RecordSuccess()
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open after 1 success, got %s", cb.State())
	}

	if err := cb.Allow(); err != nil {
		t.Fatalf("expected second trial to be admitted, got %v", err)
	}
	cb.RecordSuccess()

	snap := cb.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed, got %s", snap.State)
	}
	if snap.FailureCount != 0 {
		t.Errorf("expected failure count reset to 0, got %d", snap.FailureCount)
	}
}

func TestCircuitBreaker_PanickingTrialFreesSlot(t *testing.T) {
	clock := newFakeClock()
	cb := New("cache", Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 1}, WithClock(clock.Now))

	cb.RecordFailure()
	clock.Advance(10 * time.Second)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = cb.Execute(context.Background(), func(context.Context) error { panic("trial exploded") })
	}()

	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", cb.State())
	}
	if err := cb.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected next trial to be admitted, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := New("svc", Config{FailureThreshold: 1, RecoveryTimeout: time.Second}, WithClock(clock.Now))

	cb.RecordFailure()
	clock.Advance(time.Second)

	err := cb.Execute(context.Background(), func(context.Context) error { return errBoom })
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected trial error, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("expected open after failed trial, got %s", cb.State())
	}

	// Timer restarts from the trial failure
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected rejection right after reopening, got %v", err)
	}
}

func TestCircuitBreaker_UnexpectedErrorsPassThrough(t *testing.T) {
	errValidation := errors.New("invalid input")
	cb := New("svc", Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		Expected:         func(err error) bool { return !errors.Is(err, errValidation) },
	})

	err := cb.Execute(context.Background(), func(context.Context) error { return errValidation })
	if !errors.Is(err, errValidation) {
		t.Fatalf("expected original error, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
	if got := cb.Snapshot().FailureCount; got != 0 {
		t.Errorf("expected 0 failures, got %d", got)
	}
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	var transitions []string
	cb := New("svc", Config{FailureThreshold: 1}, WithStateChangeHook(func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))

	cb.RecordFailure()
	cb.Reset()
	cb.Reset()

	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %v", transitions)
	}
	if transitions[0] != "closed->open" || transitions[1] != "open->closed" {
		t.Errorf("unexpected transitions: %v", transitions)
	}
}

func TestRegistry_ResetAllIdempotent(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute}, nil)

	r.GetOrCreate("a").RecordFailure()
	r.GetOrCreate("b").RecordFailure()

	r.ResetAll()
	first := r.Snapshots()
	r.ResetAll()
	second := r.Snapshots()

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 breakers, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("expected identical snapshots, got %+v and %+v", first[i], second[i])
		}
		if first[i].State != "closed" {
			t.Errorf("expected %s closed, got %s", first[i].Name, first[i].State)
		}
	}
}

func TestRegistry_Overrides(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 5}, map[string]Config{
		"payments": {FailureThreshold: 1},
	})

	r.GetOrCreate("payments").RecordFailure()
	r.GetOrCreate("search").RecordFailure()

	if cb, _ := r.Get("payments"); cb.State() != StateOpen {
		t.Errorf("expected payments open, got %s", cb.State())
	}
	if cb, _ := r.Get("search"); cb.State() != StateClosed {
		t.Errorf("expected search closed, got %s", cb.State())
	}
	if r.GetOrCreate("payments") != r.GetOrCreate("payments") {
		t.Error("expected GetOrCreate to return the same instance")
	}
}

func TestRegistry_Listener(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1}, nil)
	var opened []string
	r.OnStateChange(func(name string, from, to State) {
		if to == StateOpen {
			opened = append(opened, name)
		}
	})

	r.GetOrCreate("x").RecordFailure()

	if len(opened) != 1 || opened[0] != "x" {
		t.Errorf("expected listener for x, got %v", opened)
	}
}
