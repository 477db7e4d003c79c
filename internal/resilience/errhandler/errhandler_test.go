package errhandler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/resilience/breaker"
	"github.com/vietddude/guardian/internal/resilience/outcome"
)

func fastPolicy(retries int) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = retries
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	return p
}

func newTestHandler(threshold int) *Handler {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: threshold, RecoveryTimeout: time.Hour}, nil)
	return NewHandler(Config{Retry: fastPolicy(3)}, reg)
}

func TestClassifier_Keywords(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		err      error
		kind     Kind
		severity domain.Severity
	}{
		{errors.New("dial tcp: connection refused"), KindNetwork, domain.SeverityMedium},
		{errors.New("request timed out"), KindTimeout, domain.SeverityMedium},
		{errors.New("HTTP 429 Too Many Requests"), KindAPILimit, domain.SeverityMedium},
		{errors.New("invalid email address"), KindValidation, domain.SeverityLow},
		{errors.New("write failed: no space left on device"), KindStorage, domain.SeverityCritical},
		{errors.New("redis: pool exhausted"), KindStorage, domain.SeverityHigh},
		{errors.New("failed to unmarshal payload"), KindProcessing, domain.SeverityMedium},
		{errors.New("something odd"), KindUnknown, domain.SeverityMedium},
	}

	for _, tt := range tests {
		got := c.Classify(tt.err)
		if got.Kind != tt.kind || got.Severity != tt.severity {
			t.Errorf("%q: expected %s/%s, got %s/%s", tt.err, tt.kind, tt.severity, got.Kind, got.Severity)
		}
	}
}

func TestClassifier_TypedErrors(t *testing.T) {
	c := NewClassifier(nil)

	if got := c.Classify(fmt.Errorf("query: %w", context.DeadlineExceeded)); got.Kind != KindTimeout {
		t.Errorf("expected timeout, got %s", got.Kind)
	}

	pgErr := &pgconn.PgError{Code: "53100", Message: "could not extend file"}
	if got := c.Classify(fmt.Errorf("insert: %w", pgErr)); got.Kind != KindStorage || got.Severity != domain.SeverityCritical {
		t.Errorf("expected storage/critical, got %s/%s", got.Kind, got.Severity)
	}

	pgErr = &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	if got := c.Classify(pgErr); got.Kind != KindValidation {
		t.Errorf("expected validation, got %s", got.Kind)
	}
}

func TestClassifier_CustomRules(t *testing.T) {
	c := NewClassifier([]Rule{
		{Kind: KindAPILimit, Severity: domain.SeverityHigh, Patterns: []string{"Throttled"}},
	})

	if got := c.Classify(errors.New("request throttled by upstream")); got.Kind != KindAPILimit || got.Severity != domain.SeverityHigh {
		t.Errorf("expected api_limit/high, got %s/%s", got.Kind, got.Severity)
	}
	if got := c.Classify(errors.New("connection refused")); got.Kind != KindUnknown {
		t.Errorf("expected custom rules to replace defaults, got %s", got.Kind)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, want := range expected {
		if got := p.Delay(i); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i, want, got)
		}
	}
}

func TestHandler_HistoryBounded(t *testing.T) {
	reg := breaker.NewRegistry(breaker.DefaultConfig(), nil)
	h := NewHandler(Config{MaxHistoryPerKind: 3}, reg)

	for i := 0; i < 5; i++ {
		h.Handle(fmt.Errorf("connection refused #%d", i), "db")
	}

	hist := h.History(KindNetwork)
	if len(hist) != 3 {
		t.Fatalf("expected 3 records, got %d", len(hist))
	}
	if hist[0].Message != "connection refused #2" {
		t.Errorf("expected oldest entries dropped, got %q", hist[0].Message)
	}
	if h.Stats()[KindNetwork] != 3 {
		t.Errorf("expected stats 3, got %d", h.Stats()[KindNetwork])
	}
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	h := newTestHandler(10)
	calls := 0

	out := Execute(context.Background(), h, "api", fastPolicy(3), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})

	if out.Kind != outcome.KindSuccess || out.Value != "ok" {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", out.Attempts)
	}
}

func TestExecute_CriticalNotRetried(t *testing.T) {
	h := newTestHandler(10)
	calls := 0

	out := Execute(context.Background(), h, "disk", fastPolicy(5), func(context.Context) (int, error) {
		calls++
		return 0, errors.New("disk full")
	})

	if out.Kind != outcome.KindFailed {
		t.Fatalf("expected failed, got %s", out.Kind)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	var rerr *RetryError
	if !errors.As(out.Err, &rerr) {
		t.Fatalf("expected RetryError, got %T", out.Err)
	}
	if rerr.Class.Severity != domain.SeverityCritical {
		t.Errorf("expected critical, got %s", rerr.Class.Severity)
	}
}

func TestExecute_ExhaustsRetries(t *testing.T) {
	h := newTestHandler(100)
	calls := 0

	out := Execute(context.Background(), h, "api", fastPolicy(2), func(context.Context) (int, error) {
		calls++
		return 0, errors.New("connection refused")
	})

	if out.Kind != outcome.KindFailed {
		t.Fatalf("expected failed, got %s", out.Kind)
	}
	if calls != 3 {
		t.Errorf("expected 1 call + 2 retries, got %d", calls)
	}
}

func TestExecute_OpenBreakerDenies(t *testing.T) {
	h := newTestHandler(2)
	calls := 0
	fail := func(context.Context) (int, error) {
		calls++
		return 0, errors.New("connection refused")
	}

	// Trips the breaker on the second failure and stops retrying
	out := Execute(context.Background(), h, "db", fastPolicy(5), fail)
	if out.Kind != outcome.KindFailed {
		t.Fatalf("expected failed, got %s", out.Kind)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls before the breaker opened, got %d", calls)
	}

	start := time.Now()
	out = Execute(context.Background(), h, "db", fastPolicy(5), fail)
	if out.Kind != outcome.KindDenied {
		t.Fatalf("expected denied, got %s", out.Kind)
	}
	if !errors.Is(out.Err, breaker.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", out.Err)
	}
	if calls != 2 {
		t.Errorf("expected no further calls, got %d", calls)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("expected denial without sleeping, took %v", time.Since(start))
	}

	h.ResetCircuitBreakers()
	h.ResetCircuitBreakers()
	if cb, _ := h.Breakers().Get("db"); cb.State() != breaker.StateClosed {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}
}

func TestExecute_PanicReleasesHalfOpenTrial(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, SuccessThreshold: 1}, nil)
	reg.SetClock(func() time.Time { return now })
	h := NewHandler(Config{Retry: fastPolicy(0)}, reg)

	reg.GetOrCreate("db").RecordFailure()
	now = now.Add(time.Minute)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = Execute(context.Background(), h, "db", fastPolicy(0), func(context.Context) (int, error) {
			panic("driver exploded")
		})
	}()

	out := Execute(context.Background(), h, "db", fastPolicy(0), func(context.Context) (int, error) { return 1, nil })
	if !out.Ok() {
		t.Fatalf("expected trial after panic to be admitted, got %s: %v", out.Kind, out.Err)
	}
}

func TestExecute_ValidationDoesNotTrip(t *testing.T) {
	h := newTestHandler(1)

	out := Execute(context.Background(), h, "api", fastPolicy(3), func(context.Context) (int, error) {
		return 0, errors.New("invalid request body")
	})

	if out.Kind != outcome.KindFailed {
		t.Fatalf("expected failed, got %s", out.Kind)
	}
	if cb, _ := h.Breakers().Get("api"); cb.State() != breaker.StateClosed {
		t.Errorf("expected validation errors not to trip the breaker, got %s", cb.State())
	}
}

func TestHandler_Retry(t *testing.T) {
	h := newTestHandler(10)
	calls := 0

	err := h.Retry(context.Background(), "job", fastPolicy(2), func(context.Context) error {
		calls++
		return errors.New("request timed out")
	})

	var rerr *RetryError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RetryError, got %v", err)
	}
	if rerr.Attempts != 3 || calls != 3 {
		t.Errorf("expected 3 attempts, got %d (calls %d)", rerr.Attempts, calls)
	}
	if rerr.Class.Kind != KindTimeout {
		t.Errorf("expected timeout, got %s", rerr.Class.Kind)
	}
}
