// Package fallback serves degraded results when a protected call fails:
// tiered caches and a priority queue of compensation tasks.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/core/metrics"
	"github.com/vietddude/guardian/internal/resilience/outcome"
)

// ErrNoFallback wraps the original error when no strategy produced a result.
var ErrNoFallback = errors.New("no fallback available")

// Strategy selects what happens when a protected call fails.
type Strategy string

const (
	StrategyCacheOnly    Strategy = "cache_only"
	StrategyCompensation Strategy = "compensation_queue"
	StrategyHierarchical Strategy = "hierarchical"
)

// EndpointConfig configures fallback for one endpoint.
type EndpointConfig struct {
	Endpoint string
	Strategy Strategy
	CacheTTL time.Duration
	Levels   []domain.CacheLevel // empty means every tier
	Priority int
	TaskTTL  time.Duration
}

// Config configures the manager.
type Config struct {
	DefaultStrategy Strategy
	DefaultTTL      time.Duration
	Endpoints       []EndpointConfig
}

// Manager owns the cache tiers and the compensation queue.
type Manager struct {
	tiers     []Tier
	queue     Queue
	defaults  EndpointConfig
	log       *slog.Logger
	now       func() time.Time
	mu        sync.RWMutex
	endpoints map[string]EndpointConfig
}

// NewManager creates a manager. Tiers are probed in level order regardless of
// argument order. queue may be nil, which disables compensation.
func NewManager(cfg Config, queue Queue, tiers ...Tier) (*Manager, error) {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyHierarchical
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}

	sorted := append([]Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Level() < sorted[j].Level() })

	m := &Manager{
		tiers:     sorted,
		queue:     queue,
		defaults:  EndpointConfig{Strategy: cfg.DefaultStrategy, CacheTTL: cfg.DefaultTTL},
		log:       slog.Default(),
		now:       time.Now,
		endpoints: make(map[string]EndpointConfig),
	}
	for _, ec := range cfg.Endpoints {
		if err := m.RegisterEndpoint(ec); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetClock injects the time source used for expiries.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// RegisterEndpoint installs or replaces an endpoint's configuration.
func (m *Manager) RegisterEndpoint(ec EndpointConfig) error {
	if ec.Endpoint == "" {
		return errors.New("fallback endpoint name is required")
	}
	switch ec.Strategy {
	case "":
		ec.Strategy = m.defaults.Strategy
	case StrategyCacheOnly, StrategyCompensation, StrategyHierarchical:
	default:
		return fmt.Errorf("endpoint %s: unknown fallback strategy %q", ec.Endpoint, ec.Strategy)
	}
	if ec.CacheTTL <= 0 {
		ec.CacheTTL = m.defaults.CacheTTL
	}

	m.mu.Lock()
	m.endpoints[ec.Endpoint] = ec
	m.mu.Unlock()
	return nil
}

func (m *Manager) endpoint(name string) EndpointConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ec, ok := m.endpoints[name]; ok {
		return ec
	}
	ec := m.defaults
	ec.Endpoint = name
	return ec
}

func selected(t Tier, levels []domain.CacheLevel) bool {
	return len(levels) == 0 || slices.Contains(levels, t.Level())
}

// SetCachedValue stores value in every selected tier. It fails only when no
// tier accepted the write.
func (m *Manager) SetCachedValue(ctx context.Context, key string, value any, ttl time.Duration, levels ...domain.CacheLevel) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cached value: %w", err)
	}
	if ttl <= 0 {
		ttl = m.defaults.CacheTTL
	}
	entry := domain.CacheEntry{Key: key, Value: raw, ExpiresAt: m.now().Add(ttl)}

	var errs []error
	written := 0
	for _, t := range m.tiers {
		if !selected(t, levels) {
			continue
		}
		if err := t.Set(ctx, entry); err != nil {
			m.log.Warn("Failed to write cache tier", "level", t.Level().String(), "key", key, "error", err)
			errs = append(errs, err)
			continue
		}
		written++
	}
	if written == 0 && len(errs) > 0 {
		return fmt.Errorf("failed to cache %s: %w", key, errors.Join(errs...))
	}
	return nil
}

// GetCachedValue probes the selected tiers fastest first and returns the first
// live hit. A hit in a slower tier is not copied into faster ones.
func (m *Manager) GetCachedValue(ctx context.Context, key string, levels ...domain.CacheLevel) (json.RawMessage, domain.CacheLevel, bool) {
	for _, t := range m.tiers {
		if !selected(t, levels) {
			continue
		}
		e, ok, err := t.Get(ctx, key)
		if err != nil {
			m.log.Warn("Failed to read cache tier", "level", t.Level().String(), "key", key, "error", err)
			metrics.FallbackCacheLookups.WithLabelValues(t.Level().String(), "error").Inc()
			continue
		}
		if !ok {
			metrics.FallbackCacheLookups.WithLabelValues(t.Level().String(), "miss").Inc()
			continue
		}
		metrics.FallbackCacheLookups.WithLabelValues(t.Level().String(), "hit").Inc()
		return e.Value, t.Level(), true
	}
	return nil, 0, false
}

// GetAs decodes a cached value into T.
func GetAs[T any](ctx context.Context, m *Manager, key string, levels ...domain.CacheLevel) (T, bool) {
	var v T
	raw, _, ok := m.GetCachedValue(ctx, key, levels...)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		m.log.Warn("Failed to decode cached value", "key", key, "error", err)
		return v, false
	}
	return v, true
}

// Enqueue adds a compensation task. It returns the task id, or an empty id if
// the full queue dropped the task.
func (m *Manager) Enqueue(ctx context.Context, endpoint, operation string, payload any, priority int, ttl time.Duration) (string, error) {
	if m.queue == nil {
		return "", errors.New("compensation queue is not configured")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode task payload: %w", err)
	}

	now := m.now()
	task := domain.CompensationTask{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		Operation: operation,
		Payload:   raw,
		Priority:  priority,
		CreatedAt: now,
	}
	if ttl > 0 {
		task.ExpiresAt = now.Add(ttl)
	}

	accepted, err := m.queue.Push(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue compensation task: %w", err)
	}
	m.updateDepth(ctx)
	if !accepted {
		m.log.Warn("Compensation queue full, task dropped", "endpoint", endpoint, "operation", operation, "priority", priority)
		return "", nil
	}
	return task.ID, nil
}

// NextTask pops the highest-priority live task.
func (m *Manager) NextTask(ctx context.Context) (domain.CompensationTask, bool, error) {
	if m.queue == nil {
		return domain.CompensationTask{}, false, nil
	}
	task, ok, err := m.queue.Pop(ctx)
	if err != nil {
		return task, false, fmt.Errorf("failed to pop compensation task: %w", err)
	}
	m.updateDepth(ctx)
	return task, ok, nil
}

// Replay pops up to limit tasks and hands them to fn. Tasks fn rejects are
// pushed back. Returns the number of tasks fn accepted.
func (m *Manager) Replay(ctx context.Context, limit int, fn func(context.Context, domain.CompensationTask) error) (int, error) {
	var failed []domain.CompensationTask
	done := 0
	for i := 0; i < limit; i++ {
		task, ok, err := m.NextTask(ctx)
		if err != nil {
			return done, err
		}
		if !ok {
			break
		}
		if err := fn(ctx, task); err != nil {
			m.log.Warn("Compensation task failed", "task", task.ID, "endpoint", task.Endpoint, "error", err)
			failed = append(failed, task)
			continue
		}
		done++
	}
	for _, task := range failed {
		if _, err := m.queue.Push(ctx, task); err != nil {
			return done, fmt.Errorf("failed to requeue compensation task: %w", err)
		}
	}
	if len(failed) > 0 {
		m.updateDepth(ctx)
	}
	return done, nil
}

func (m *Manager) updateDepth(ctx context.Context) {
	if n, err := m.queue.Len(ctx); err == nil {
		metrics.CompensationQueueDepth.Set(float64(n))
	}
}

// Request describes a protected call for WithFallback.
type Request struct {
	Endpoint  string
	CacheKey  string // empty disables caching
	Operation string
	Payload   any
}

// WithFallback runs fn. On success the result is cached under CacheKey. On
// failure the endpoint's strategy applies and the outcome is a cached value
// (Success, Degraded), a queued task (Denied, Degraded) or the original error.
func WithFallback[T any](ctx context.Context, m *Manager, req Request, fn func(context.Context) (T, error)) outcome.Outcome[T] {
	ec := m.endpoint(req.Endpoint)

	v, err := fn(ctx)
	if err == nil {
		if req.CacheKey != "" {
			if cerr := m.SetCachedValue(ctx, req.CacheKey, v, ec.CacheTTL, ec.Levels...); cerr != nil {
				m.log.Warn("Failed to cache result", "endpoint", req.Endpoint, "error", cerr)
			}
		}
		return outcome.Success(v)
	}

	if ec.Strategy == StrategyCacheOnly || ec.Strategy == StrategyHierarchical {
		if req.CacheKey != "" {
			if cached, ok := GetAs[T](ctx, m, req.CacheKey, ec.Levels...); ok {
				metrics.FallbackActivations.WithLabelValues(req.Endpoint, "cache").Inc()
				m.log.Info("Serving cached fallback", "endpoint", req.Endpoint, "key", req.CacheKey, "cause", err)
				o := outcome.Success(cached)
				o.Degraded = true
				o.Err = err
				return o
			}
		}
	}

	if (ec.Strategy == StrategyCompensation || ec.Strategy == StrategyHierarchical) && m.queue != nil {
		op := req.Operation
		if op == "" {
			op = req.Endpoint
		}
		id, qerr := m.Enqueue(ctx, req.Endpoint, op, req.Payload, ec.Priority, ec.TaskTTL)
		if qerr == nil && id != "" {
			metrics.FallbackActivations.WithLabelValues(req.Endpoint, "queued").Inc()
			o := outcome.Denied[T]("queued for compensation", err)
			o.Degraded = true
			o.TaskID = id
			return o
		}
		if qerr != nil {
			m.log.Error("Failed to queue compensation task", "endpoint", req.Endpoint, "error", qerr)
		}
	}

	metrics.FallbackActivations.WithLabelValues(req.Endpoint, "none").Inc()
	return outcome.Failed[T](fmt.Errorf("%s: %w: %w", req.Endpoint, ErrNoFallback, err))
}
