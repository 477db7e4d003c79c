package ratelimit

import (
	"context"
	"errors"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/guardian/internal/resilience/errhandler"
	"github.com/vietddude/guardian/internal/resilience/outcome"
)

// WithRetry waits for admission using the policy's backoff and runs fn once
// admitted. It gives up with Denied when the retry budget is spent. Errors from
// fn are returned as Failed and are not retried here.
func WithRetry[T any](
	ctx context.Context,
	l *Limiter,
	name string,
	policy errhandler.RetryPolicy,
	fn func(context.Context) (T, error),
) outcome.Outcome[T] {
	var value T
	attempts := 0

	err := retry.Do(ctx, policy.Backoff(), func(ctx context.Context) error {
		attempts++
		if !l.Acquire(name) {
			return retry.RetryableError(ErrRateLimited)
		}

		start := l.now()
		v, err := fn(ctx)
		l.RecordResponse(name, l.now().Sub(start), err == nil)
		if err != nil {
			return err
		}
		value = v
		return nil
	})

	var o outcome.Outcome[T]
	switch {
	case err == nil:
		o = outcome.Success(value)
	case errors.Is(err, ErrRateLimited):
		o = outcome.Denied[T]("rate limit exceeded for "+name, ErrRateLimited)
	default:
		o = outcome.Failed[T](err)
	}
	o.Attempts = attempts
	return o
}
