// Package guard chains the resilience primitives for an outbound call:
// rate limit admission, then breaker-gated retry, then fallback.
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/guardian/internal/resilience/errhandler"
	"github.com/vietddude/guardian/internal/resilience/fallback"
	"github.com/vietddude/guardian/internal/resilience/outcome"
	"github.com/vietddude/guardian/internal/resilience/ratelimit"
)

// Guard is built once at startup and handed to every call site.
type Guard struct {
	Errors   *errhandler.Handler
	Limiter  *ratelimit.Limiter
	Fallback *fallback.Manager
}

// Call describes one protected call.
type Call struct {
	Endpoint  string
	CacheKey  string
	Operation string
	Payload   any
	Policy    *errhandler.RetryPolicy // nil uses the handler default
}

// Do runs fn under every configured guard. Denials from the limiter or an open
// breaker are routed to the fallback manager instead of surfacing as errors.
func Do[T any](ctx context.Context, g *Guard, c Call, fn func(context.Context) (T, error)) outcome.Outcome[T] {
	policy := g.Errors.Policy()
	if c.Policy != nil {
		policy = *c.Policy
	}

	protected := func(ctx context.Context) (T, error) {
		var zero T
		if g.Limiter != nil && !g.Limiter.Acquire(c.Endpoint) {
			return zero, ratelimit.ErrRateLimited
		}

		start := time.Now()
		o := errhandler.Execute(ctx, g.Errors, c.Endpoint, policy, fn)
		if g.Limiter != nil && o.Kind != outcome.KindDenied {
			// Execute has already fed the endpoint's own breaker.
			g.Limiter.RecordResponseExcept(c.Endpoint, time.Since(start), o.Ok(), c.Endpoint)
		}
		if o.Ok() {
			return o.Value, nil
		}
		_, err := o.Unwrap()
		return zero, err
	}

	if g.Fallback == nil {
		v, err := protected(ctx)
		switch {
		case err == nil:
			return outcome.Success(v)
		case errors.Is(err, ratelimit.ErrRateLimited):
			return outcome.Denied[T]("rate limit exceeded", err)
		case errors.Is(err, outcome.ErrDenied):
			return outcome.Denied[T]("circuit breaker open", err)
		default:
			return outcome.Failed[T](err)
		}
	}

	return fallback.WithFallback(ctx, g.Fallback, fallback.Request{
		Endpoint:  c.Endpoint,
		CacheKey:  c.CacheKey,
		Operation: c.Operation,
		Payload:   c.Payload,
	}, protected)
}
