// Package ratelimit provides per-endpoint admission control.
package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/guardian/internal/core/metrics"
	"github.com/vietddude/guardian/internal/resilience/breaker"
)

// ErrRateLimited is reported when admission was denied.
var ErrRateLimited = errors.New("rate limit exceeded")

// Algorithm selects the admission policy for an endpoint.
type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"
	LeakyBucket   Algorithm = "leaky_bucket"
	SlidingWindow Algorithm = "sliding_window"
	Adaptive      Algorithm = "adaptive"
)

// Config configures one endpoint.
type Config struct {
	Endpoint  string        `yaml:"endpoint"`
	Algorithm Algorithm     `yaml:"algorithm"`
	Rate      float64       `yaml:"rate"`   // requests per second
	Burst     int           `yaml:"burst"`  // bucket capacity
	Window    time.Duration `yaml:"window"` // sliding window length

	// Adaptive settings. BaseAlgorithm defaults to token_bucket.
	BaseAlgorithm    Algorithm     `yaml:"base_algorithm"`
	MinFactor        float64       `yaml:"min_factor"`
	RecoveryStep     float64       `yaml:"recovery_step"`
	SampleSize       int           `yaml:"sample_size"`
	LatencyThreshold time.Duration `yaml:"latency_threshold"`

	// Breaker names a circuit breaker fed with recorded responses.
	Breaker string `yaml:"breaker"`
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.Rate <= 0 {
		return fmt.Errorf("endpoint %s: rate must be positive", c.Endpoint)
	}
	if c.Algorithm == "" {
		c.Algorithm = TokenBucket
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.Rate))
	}
	if c.Window <= 0 {
		c.Window = time.Second
	}
	if c.Algorithm == Adaptive {
		if c.BaseAlgorithm == "" || c.BaseAlgorithm == Adaptive {
			c.BaseAlgorithm = TokenBucket
		}
		if c.MinFactor <= 0 || c.MinFactor > 1 {
			c.MinFactor = 0.1
		}
		if c.RecoveryStep <= 0 {
			c.RecoveryStep = 0.05
		}
		if c.SampleSize <= 0 {
			c.SampleSize = 50
		}
	}
	switch c.Algorithm {
	case TokenBucket, LeakyBucket, SlidingWindow, Adaptive:
		return nil
	default:
		return fmt.Errorf("endpoint %s: unknown algorithm %q", c.Endpoint, c.Algorithm)
	}
}

func build(alg Algorithm, cfg Config, now time.Time) algorithm {
	switch alg {
	case LeakyBucket:
		return newLeakyBucket(cfg.Rate, cfg.Burst, now)
	case SlidingWindow:
		return newSlidingWindow(cfg.Rate, cfg.Window)
	default:
		return newTokenBucket(cfg.Rate, cfg.Burst, now)
	}
}

// Stats is a snapshot of one endpoint.
type Stats struct {
	Endpoint       string        `json:"endpoint"`
	Algorithm      Algorithm     `json:"algorithm"`
	Allowed        uint64        `json:"allowed"`
	Denied         uint64        `json:"denied"`
	Responses      uint64        `json:"responses"`
	Failures       uint64        `json:"failures"`
	AverageLatency time.Duration `json:"average_latency"`
	Factor         float64       `json:"factor"`
}

type endpoint struct {
	mu       sync.Mutex
	cfg      Config
	alg      algorithm
	adaptive *adaptive
	stats    Stats
	latency  time.Duration
}

// Limiter holds one algorithm per endpoint.
type Limiter struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
	breakers  *breaker.Registry
	now       func() time.Time
	log       *slog.Logger
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithBreakers feeds recorded responses into named circuit breakers.
func WithBreakers(r *breaker.Registry) Option {
	return func(l *Limiter) { l.breakers = r }
}

// New creates an empty limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		endpoints: make(map[string]*endpoint),
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register installs the configuration for an endpoint. An endpoint has exactly
// one algorithm; registering it twice is an error.
func (l *Limiter) Register(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("failed to register rate limit: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.endpoints[cfg.Endpoint]; ok {
		return fmt.Errorf("rate limit for endpoint %s already registered", cfg.Endpoint)
	}

	now := l.now()
	ep := &endpoint{cfg: cfg, stats: Stats{Endpoint: cfg.Endpoint, Algorithm: cfg.Algorithm, Factor: 1}}
	if cfg.Algorithm == Adaptive {
		ep.adaptive = newAdaptive(build(cfg.BaseAlgorithm, cfg, now), cfg)
		ep.alg = ep.adaptive
	} else {
		ep.alg = build(cfg.Algorithm, cfg, now)
	}
	l.endpoints[cfg.Endpoint] = ep

	l.log.Debug("Rate limit registered", "endpoint", cfg.Endpoint, "algorithm", cfg.Algorithm, "rate", cfg.Rate)
	return nil
}

// Acquire reports whether one call to endpoint may proceed now.
// Endpoints without configuration are always admitted.
func (l *Limiter) Acquire(name string) bool {
	ep := l.get(name)
	if ep == nil {
		return true
	}

	ep.mu.Lock()
	ok := ep.alg.allow(l.now())
	if ok {
		ep.stats.Allowed++
	} else {
		ep.stats.Denied++
	}
	ep.mu.Unlock()

	if ok {
		metrics.RateLimitDecisions.WithLabelValues(name, "allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues(name, "denied").Inc()
	}
	return ok
}

// RecordResponse feeds a call result into statistics, the adaptive factor and
// the configured circuit breaker.
func (l *Limiter) RecordResponse(name string, latency time.Duration, success bool) {
	l.RecordResponseExcept(name, latency, success, "")
}

// RecordResponseExcept is RecordResponse for callers that already recorded
// the result on the breaker named recorded. That breaker is not fed twice.
func (l *Limiter) RecordResponseExcept(name string, latency time.Duration, success bool, recorded string) {
	ep := l.get(name)
	if ep == nil {
		return
	}

	ep.mu.Lock()
	ep.stats.Responses++
	ep.latency += latency
	if !success {
		ep.stats.Failures++
	}
	if ep.adaptive != nil {
		ep.adaptive.record(l.now(), latency, success)
		ep.stats.Factor = ep.adaptive.factor
	}
	factor := ep.stats.Factor
	breakerName := ep.cfg.Breaker
	ep.mu.Unlock()

	if ep.adaptive != nil {
		metrics.RateLimitFactor.WithLabelValues(name).Set(factor)
	}
	if breakerName != "" && breakerName != recorded && l.breakers != nil {
		cb := l.breakers.GetOrCreate(breakerName)
		if success {
			cb.RecordSuccess()
		} else {
			cb.RecordFailure()
		}
	}
}

// Stats returns a snapshot for endpoint.
func (l *Limiter) Stats(name string) (Stats, bool) {
	ep := l.get(name)
	if ep == nil {
		return Stats{}, false
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	s := ep.stats
	if s.Responses > 0 {
		s.AverageLatency = ep.latency / time.Duration(s.Responses)
	}
	return s, true
}

// Endpoints returns the registered endpoint names.
func (l *Limiter) Endpoints() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.endpoints))
	for name := range l.endpoints {
		out = append(out, name)
	}
	return out
}

func (l *Limiter) get(name string) *endpoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.endpoints[name]
}
