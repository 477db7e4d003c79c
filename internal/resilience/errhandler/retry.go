package errhandler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/resilience/breaker"
	"github.com/vietddude/guardian/internal/resilience/outcome"
)

// RetryPolicy defines retry behavior.
type RetryPolicy struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`

	NonRetryableSeverities []domain.Severity `yaml:"non_retryable_severities"`
	NonRetryableKinds      []Kind            `yaml:"non_retryable_kinds"`
}

// DefaultRetryPolicy provides sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:             3,
		BaseDelay:              time.Second,
		Multiplier:             2.0,
		MaxDelay:               30 * time.Second,
		NonRetryableSeverities: []domain.Severity{domain.SeverityCritical},
		NonRetryableKinds:      []Kind{KindValidation},
	}
}

// Delay returns min(base * multiplier^attempt, max) for a zero-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retryable reports whether an error with this classification may be retried.
func (p RetryPolicy) Retryable(c Classification) bool {
	return !slices.Contains(p.NonRetryableSeverities, c.Severity) &&
		!slices.Contains(p.NonRetryableKinds, c.Kind)
}

// Backoff returns a go-retry backoff implementing Delay, capped at MaxRetries.
func (p RetryPolicy) Backoff() retry.Backoff {
	attempt := 0
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		d := p.Delay(attempt)
		attempt++
		return d, false
	})
	return retry.WithMaxRetries(uint64(max(p.MaxRetries, 0)), b)
}

// RetryError is returned once all attempts are exhausted or a non-retryable
// error stops the loop.
type RetryError struct {
	Name     string
	Attempts int
	Class    Classification
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts (%s/%s): %v",
		e.Name, e.Attempts, e.Class.Kind, e.Class.Severity, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Retry runs fn with the policy's backoff. Classification decides retryability.
func (h *Handler) Retry(ctx context.Context, name string, policy RetryPolicy, fn func(context.Context) error) error {
	attempts := 0
	var last Classification
	err := retry.Do(ctx, policy.Backoff(), func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		rec := h.Handle(err, name)
		last = rec.Class
		if !policy.Retryable(rec.Class) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	return &RetryError{Name: name, Attempts: attempts, Class: last, Err: err}
}

// Execute runs fn behind the named circuit breaker with retry. The breaker is
// consulted before every attempt; an open breaker yields Denied without sleeping.
func Execute[T any](
	ctx context.Context,
	h *Handler,
	name string,
	policy RetryPolicy,
	fn func(context.Context) (T, error),
) outcome.Outcome[T] {
	cb := h.breakers.GetOrCreate(name)

	var (
		value    T
		attempts int
		denied   error
		tripped  bool
		last     Classification
	)

	err := retry.Do(ctx, policy.Backoff(), func(ctx context.Context) error {
		if err := cb.Allow(); err != nil {
			denied = err
			return err
		}
		attempts++

		v, err := admitted(ctx, cb, fn)
		cb.Record(err)
		if err == nil {
			value = v
			return nil
		}

		rec := h.Handle(err, name)
		last = rec.Class
		if cb.State() == breaker.StateOpen {
			tripped = true
			return err
		}
		if !policy.Retryable(rec.Class) {
			return err
		}
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		o := outcome.Success(value)
		o.Attempts = attempts
		return o
	case denied != nil && errors.Is(err, breaker.ErrCircuitOpen):
		o := outcome.Denied[T]("circuit breaker open", denied)
		o.Attempts = attempts
		return o
	default:
		if tripped {
			h.log.Warn("Stopping retries, circuit opened", "breaker", name, "attempts", attempts)
		}
		o := outcome.Failed[T](&RetryError{Name: name, Attempts: attempts, Class: last, Err: err})
		o.Attempts = attempts
		return o
	}
}

// admitted runs fn after cb let it through. A panic frees the half-open trial
// slot before it propagates.
func admitted[T any](ctx context.Context, cb *breaker.CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	defer func() {
		if r := recover(); r != nil {
			cb.Release()
			panic(r)
		}
	}()
	return fn(ctx)
}
