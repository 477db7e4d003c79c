// Package strategy implements remediation strategies for unhealthy services.
package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/guardian/internal/core/domain"
)

// Strategy is one remediation. Attempt bookkeeping is kept per service.
type Strategy interface {
	Name() string
	Kind() Kind
	CanAttempt(service string) bool
	RecordAttempt(service string)
	ResetAttempts(service string)
	Attempts(service string) int
	Apply(ctx context.Context, problem domain.ProblemReport, svc domain.ServiceInfo) (string, error)
}

// Settings bound how often a strategy may act on one service.
type Settings struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// DefaultSettings returns production defaults.
func DefaultSettings() Settings {
	return Settings{Enabled: true, MaxAttempts: 3, Cooldown: time.Minute}
}

type attemptState struct {
	count int
	last  time.Time
}

// base implements attempt and cooldown bookkeeping.
type base struct {
	name     string
	kind     Kind
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	attempts map[string]*attemptState
}

func newBase(kind Kind, settings Settings, now func() time.Time) *base {
	if now == nil {
		now = time.Now
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = DefaultSettings().MaxAttempts
	}
	return &base{
		name:     string(kind),
		kind:     kind,
		settings: settings,
		now:      now,
		attempts: make(map[string]*attemptState),
	}
}

func (b *base) Name() string { return b.name }
func (b *base) Kind() Kind   { return b.kind }

func (b *base) CanAttempt(service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.attempts[service]
	if !ok {
		return true
	}
	if st.count >= b.settings.MaxAttempts {
		return false
	}
	return b.now().Sub(st.last) >= b.settings.Cooldown
}

func (b *base) RecordAttempt(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.attempts[service]
	if !ok {
		st = &attemptState{}
		b.attempts[service] = st
	}
	st.count++
	st.last = b.now()
}

func (b *base) ResetAttempts(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attempts, service)
}

func (b *base) Attempts(service string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.attempts[service]; ok {
		return st.count
	}
	return 0
}

// Run applies s if its bookkeeping allows it. It returns false without a
// result when the strategy is exhausted or cooling down.
func Run(ctx context.Context, s Strategy, problem domain.ProblemReport, svc domain.ServiceInfo) (domain.HealingResult, bool) {
	if !s.CanAttempt(svc.Name) {
		return domain.HealingResult{}, false
	}

	start := time.Now()
	msg, err := s.Apply(ctx, problem, svc)
	s.RecordAttempt(svc.Name)

	res := domain.HealingResult{
		ID:           uuid.NewString(),
		Success:      err == nil,
		StrategyName: s.Name(),
		ServiceName:  svc.Name,
		ProblemKind:  problem.Kind,
		Duration:     time.Since(start),
		AttemptCount: s.Attempts(svc.Name),
		Message:      msg,
		Timestamp:    time.Now(),
	}
	if err != nil {
		res.Message = err.Error()
	} else {
		s.ResetAttempts(svc.Name)
	}
	return res, true
}
