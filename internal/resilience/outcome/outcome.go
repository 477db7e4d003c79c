// Package outcome defines the result of a protected call.
package outcome

import (
	"errors"
	"fmt"
)

// ErrDenied is returned by Unwrap for denied outcomes.
var ErrDenied = errors.New("call denied")

// Kind is the outcome discriminator.
type Kind int

const (
	KindSuccess Kind = iota
	KindDenied
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindDenied:
		return "denied"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is Success(value), Denied(reason) or Failed(error).
type Outcome[T any] struct {
	Kind     Kind
	Value    T
	Reason   string
	Err      error
	Attempts int

	// Degraded is set when the result came from a fallback path
	// (cached value or a queued compensation task).
	Degraded bool
	TaskID   string
}

// Success wraps a value.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: KindSuccess, Value: v}
}

// Denied reports that the call was not attempted. cause may be nil.
func Denied[T any](reason string, cause error) Outcome[T] {
	return Outcome[T]{Kind: KindDenied, Reason: reason, Err: cause}
}

// Failed wraps the final error.
func Failed[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: KindFailed, Err: err}
}

// Ok reports whether the outcome carries a value.
func (o Outcome[T]) Ok() bool { return o.Kind == KindSuccess }

// Unwrap converts the outcome to the usual value/error pair.
func (o Outcome[T]) Unwrap() (T, error) {
	switch o.Kind {
	case KindSuccess:
		return o.Value, nil
	case KindDenied:
		var zero T
		if o.Err != nil {
			return zero, fmt.Errorf("%w: %s: %w", ErrDenied, o.Reason, o.Err)
		}
		return zero, fmt.Errorf("%w: %s", ErrDenied, o.Reason)
	default:
		var zero T
		return zero, o.Err
	}
}
