// Package errhandler classifies failures and composes circuit breakers with retry.
package errhandler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/core/metrics"
	"github.com/vietddude/guardian/internal/resilience/breaker"
)

// Config configures the handler.
type Config struct {
	Rules             []Rule      `yaml:"rules"`
	MaxHistoryPerKind int         `yaml:"max_history_per_kind"`
	Retry             RetryPolicy `yaml:"retry"`
}

// Record is one handled failure.
type Record struct {
	Class     Classification `json:"class"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler classifies errors, keeps a bounded per-kind history and owns the
// breaker registry shared with the rest of the process.
type Handler struct {
	classifier *Classifier
	breakers   *breaker.Registry
	policy     RetryPolicy
	maxHistory int
	log        *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	history map[Kind][]Record
}

// NewHandler creates a handler around the given registry. The registry's
// failure predicate is set so that validation errors never trip a breaker.
func NewHandler(cfg Config, breakers *breaker.Registry) *Handler {
	if cfg.MaxHistoryPerKind <= 0 {
		cfg.MaxHistoryPerKind = 100
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	h := &Handler{
		classifier: NewClassifier(cfg.Rules),
		breakers:   breakers,
		policy:     cfg.Retry,
		maxHistory: cfg.MaxHistoryPerKind,
		log:        slog.Default(),
		now:        time.Now,
		history:    make(map[Kind][]Record),
	}
	breakers.SetExpected(h.CountsAsFailure)
	return h
}

// Classifier returns the active classifier.
func (h *Handler) Classifier() *Classifier { return h.classifier }

// Breakers returns the breaker registry.
func (h *Handler) Breakers() *breaker.Registry { return h.breakers }

// Policy returns the default retry policy.
func (h *Handler) Policy() RetryPolicy { return h.policy }

// CountsAsFailure reports whether err should count against a breaker.
func (h *Handler) CountsAsFailure(err error) bool {
	return h.classifier.Classify(err).Kind != KindValidation
}

// Handle classifies err, records it and logs at a level matching its severity.
func (h *Handler) Handle(err error, component string) Record {
	rec := Record{
		Class:     h.classifier.Classify(err),
		Component: component,
		Message:   err.Error(),
		Timestamp: h.now(),
	}

	h.mu.Lock()
	list := append(h.history[rec.Class.Kind], rec)
	if len(list) > h.maxHistory {
		list = list[len(list)-h.maxHistory:]
	}
	h.history[rec.Class.Kind] = list
	h.mu.Unlock()

	metrics.ErrorsClassified.WithLabelValues(string(rec.Class.Kind), string(rec.Class.Severity)).Inc()
	h.log.Log(context.Background(), levelFor(rec.Class.Severity), "Call failed",
		"component", component,
		"kind", rec.Class.Kind,
		"severity", rec.Class.Severity,
		"error", err,
	)
	return rec
}

// History returns a copy of the recorded failures of one kind, oldest first.
func (h *Handler) History(kind Kind) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.history[kind]...)
}

// Stats returns the number of retained failures per kind.
func (h *Handler) Stats() map[Kind]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[Kind]int, len(h.history))
	for k, v := range h.history {
		out[k] = len(v)
	}
	return out
}

// ResetCircuitBreakers closes every breaker.
func (h *Handler) ResetCircuitBreakers() {
	h.breakers.ResetAll()
	h.log.Info("Circuit breakers reset")
}

func levelFor(s domain.Severity) slog.Level {
	switch s {
	case domain.SeverityLow:
		return slog.LevelDebug
	case domain.SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
