package outcome

import (
	"errors"
	"testing"
)

func TestOutcome_Unwrap(t *testing.T) {
	v, err := Success(42).Unwrap()
	if err != nil || v != 42 {
		t.Errorf("expected 42, got %d (%v)", v, err)
	}

	cause := errors.New("circuit open")
	_, err = Denied[int]("breaker open", cause).Unwrap()
	if !errors.Is(err, ErrDenied) {
		t.Errorf("expected ErrDenied, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause to be wrapped, got %v", err)
	}

	boom := errors.New("boom")
	_, err = Failed[string](boom).Unwrap()
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestOutcome_Kind(t *testing.T) {
	if !Success("x").Ok() {
		t.Error("expected success to be ok")
	}
	if Denied[string]("limited", nil).Ok() {
		t.Error("expected denied not to be ok")
	}
	if got := Failed[string](errors.New("x")).Kind.String(); got != "failed" {
		t.Errorf("expected failed, got %s", got)
	}
}
