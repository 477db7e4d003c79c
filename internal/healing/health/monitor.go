package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/core/metrics"
)

// MonitorConfig configures caching.
type MonitorConfig struct {
	StatusTTL  time.Duration
	MetricsTTL time.Duration
	CacheSize  int
}

// Monitor runs probes concurrently and caches their combined verdicts.
type Monitor struct {
	probes []Probe
	cfg    MonitorConfig
	now    func() time.Time
	log    *slog.Logger

	statusCache  *expirable.LRU[string, Report]
	metricsCache *expirable.LRU[string, map[string]float64]
	checks       singleflight.Group
	collects     singleflight.Group
}

// NewMonitor creates a monitor over the given probes.
func NewMonitor(cfg MonitorConfig, probes ...Probe) *Monitor {
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 30 * time.Second
	}
	if cfg.MetricsTTL <= 0 {
		cfg.MetricsTTL = 15 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	return &Monitor{
		probes:       probes,
		cfg:          cfg,
		now:          time.Now,
		log:          slog.Default(),
		statusCache:  expirable.NewLRU[string, Report](cfg.CacheSize, nil, cfg.StatusTTL),
		metricsCache: expirable.NewLRU[string, map[string]float64](cfg.CacheSize, nil, cfg.MetricsTTL),
	}
}

// SetClock injects the time source used for cache buckets.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

func (m *Monitor) bucketKey(name string, ttl time.Duration) string {
	return fmt.Sprintf("%s:%d", name, m.now().UnixNano()/int64(ttl))
}

// CheckService returns the worst-of status across all applicable probes.
// Results are cached per service for the status TTL.
func (m *Monitor) CheckService(ctx context.Context, svc domain.ServiceInfo) Report {
	key := m.bucketKey(svc.Name, m.cfg.StatusTTL)
	if r, ok := m.statusCache.Get(key); ok {
		return r
	}

	v, _, _ := m.checks.Do(key, func() (any, error) {
		r := m.runChecks(ctx, svc)
		if ctx.Err() == nil {
			m.statusCache.Add(key, r)
		}
		return r, nil
	})
	return v.(Report)
}

func (m *Monitor) runChecks(ctx context.Context, svc domain.ServiceInfo) Report {
	start := m.now()
	timeout := svc.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	results := make([]CheckResult, len(m.probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range m.probes {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			res := p.Check(cctx, svc)
			res.Probe = p.Name()
			if errors.Is(cctx.Err(), context.DeadlineExceeded) && res.Status != domain.StatusHealthy && res.Status != "" {
				res.Status = domain.StatusFailed
				res.Message = "check timed out"
				if res.Metrics == nil {
					res.Metrics = make(map[string]float64)
				}
				res.Metrics[MetricTimeout] = 1
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var status domain.ServiceStatus
	for _, r := range results {
		status = domain.Worst(status, r.Status)
	}
	if status == "" {
		status = domain.StatusUnknown
	}

	report := Report{
		Service:   svc.Name,
		Status:    status,
		Checks:    results,
		CheckedAt: m.now(),
		Duration:  m.now().Sub(start),
	}
	metrics.HealthCheckDuration.WithLabelValues(svc.Name).Observe(report.Duration.Seconds())
	return report
}

// CollectMetrics gathers metrics from every probe concurrently. A failing
// probe contributes nothing. Merge order is probe order, later values winning.
func (m *Monitor) CollectMetrics(ctx context.Context, svc domain.ServiceInfo) map[string]float64 {
	key := m.bucketKey(svc.Name, m.cfg.MetricsTTL)
	if v, ok := m.metricsCache.Get(key); ok {
		return copyMetrics(v)
	}

	v, _, _ := m.collects.Do(key, func() (any, error) {
		parts := make([]map[string]float64, len(m.probes))
		g, gctx := errgroup.WithContext(ctx)
		for i, p := range m.probes {
			g.Go(func() error {
				vals, err := p.Collect(gctx, svc)
				if err != nil {
					m.log.Debug("Metric collection failed", "service", svc.Name, "probe", p.Name(), "error", err)
					return nil
				}
				parts[i] = vals
				return nil
			})
		}
		_ = g.Wait()

		merged := make(map[string]float64)
		for _, part := range parts {
			for k, val := range part {
				merged[k] = val
			}
		}
		if ctx.Err() == nil {
			m.metricsCache.Add(key, merged)
		}
		return merged, nil
	})
	return copyMetrics(v.(map[string]float64))
}

// Invalidate drops cached status and metrics for a service.
func (m *Monitor) Invalidate(name string) {
	for _, k := range m.statusCache.Keys() {
		if keyService(k) == name {
			m.statusCache.Remove(k)
		}
	}
	for _, k := range m.metricsCache.Keys() {
		if keyService(k) == name {
			m.metricsCache.Remove(k)
		}
	}
}

func keyService(key string) string {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

func copyMetrics(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
