package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/vietddude/guardian/internal/core/config"
	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/healing/selfheal"
	"github.com/vietddude/guardian/internal/healing/strategy"
	redisclient "github.com/vietddude/guardian/internal/infra/redis"
	"github.com/vietddude/guardian/internal/infra/storage"
	"github.com/vietddude/guardian/internal/infra/storage/memory"
	"github.com/vietddude/guardian/internal/infra/storage/postgres"
	"github.com/vietddude/guardian/internal/resilience/breaker"
	"github.com/vietddude/guardian/internal/resilience/errhandler"
	"github.com/vietddude/guardian/internal/resilience/fallback"
	"github.com/vietddude/guardian/internal/resilience/guard"
	"github.com/vietddude/guardian/internal/resilience/ratelimit"
)

// buildGuard wires breakers, error handling, rate limits and fallback from config.
func buildGuard(rc config.ResilienceConfig, rdb *redisclient.Client) (*guard.Guard, error) {
	breakers := breaker.NewRegistry(rc.Breaker, rc.Breakers)
	handler := errhandler.NewHandler(errhandler.Config{
		Rules:             rc.ErrorRules,
		MaxHistoryPerKind: rc.HistorySize,
		Retry:             rc.Retry,
	}, breakers)

	limiter := ratelimit.New(ratelimit.WithBreakers(breakers))
	registerRateLimits(limiter, rc.RateLimits)

	fb, err := buildFallback(rc.Fallback, rdb)
	if err != nil {
		return nil, err
	}

	return &guard.Guard{Errors: handler, Limiter: limiter, Fallback: fb}, nil
}

// registerRateLimits installs every valid entry. Invalid or already
// registered entries are logged and skipped.
func registerRateLimits(l *ratelimit.Limiter, cfgs []ratelimit.Config) {
	for _, rl := range cfgs {
		if err := l.Register(rl); err != nil {
			slog.Warn("Skipping rate limit", "endpoint", rl.Endpoint, "error", err)
		}
	}
}

func buildFallback(fc config.FallbackConfig, rdb *redisclient.Client) (*fallback.Manager, error) {
	var tiers []fallback.Tier
	mem, err := fallback.NewMemoryTier(fc.MemorySize, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache tier: %w", err)
	}
	tiers = append(tiers, mem)
	if rdb != nil {
		tiers = append(tiers, redisclient.NewCacheTier(rdb))
	}
	if fc.FileDir != "" {
		ft, err := fallback.NewFileTier(fc.FileDir, fc.FileMaxEntries, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create file cache tier: %w", err)
		}
		tiers = append(tiers, ft)
	}

	var queue fallback.Queue
	if rdb != nil {
		queue = redisclient.NewCompensationQueue(rdb, "compensation", fc.QueueSize)
	} else {
		queue = fallback.NewMemoryQueue(fc.QueueSize, nil)
	}

	cfg := fallback.Config{
		DefaultStrategy: fallback.Strategy(fc.DefaultStrategy),
		DefaultTTL:      fc.DefaultTTL,
	}
	for _, ep := range fc.Endpoints {
		ec := fallback.EndpointConfig{
			Endpoint: ep.Endpoint,
			Strategy: fallback.Strategy(ep.Strategy),
			CacheTTL: ep.CacheTTL,
			Priority: ep.Priority,
			TaskTTL:  ep.TaskTTL,
		}
		for _, name := range ep.Levels {
			lvl, ok := domain.ParseCacheLevel(name)
			if !ok {
				slog.Warn("Ignoring unknown cache level", "endpoint", ep.Endpoint, "level", name)
				continue
			}
			ec.Levels = append(ec.Levels, lvl)
		}
		cfg.Endpoints = append(cfg.Endpoints, ec)
	}

	m, err := fallback.NewManager(cfg, queue, tiers...)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback manager: %w", err)
	}
	return m, nil
}

// buildHistory returns the Postgres history store when a database is
// configured, otherwise a bounded in-memory store.
func buildHistory(ctx context.Context, cfg *config.AppConfig) (storage.HistoryRepository, *postgres.DB, error) {
	if cfg.Database.URL == "" {
		slog.Info("Using Memory history storage")
		return memory.NewHistoryStore(cfg.Monitoring.HistorySize), nil, nil
	}

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init db: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to migrate db: %w", err)
	}
	slog.Info("Using PostgreSQL history storage")
	return postgres.NewHistoryRepo(db), db, nil
}

// strategySettings validates the configured strategy names.
func strategySettings(in map[string]config.StrategyConfig) (map[strategy.Kind]strategy.Settings, error) {
	out := make(map[strategy.Kind]strategy.Settings, len(in))
	for name, sc := range in {
		kind, err := strategy.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("invalid strategies entry: %w", err)
		}
		out[kind] = strategy.Settings{
			Enabled:     sc.IsEnabled(),
			MaxAttempts: sc.MaxAttempts,
			Cooldown:    sc.Cooldown,
		}
	}
	return out, nil
}

// registerPlan binds the default plan merged with configured overrides. Any
// unknown problem or strategy name fails startup.
func registerPlan(reg *strategy.Registry, overrides map[string]string) error {
	plan := make(map[domain.ProblemKind]string)
	for p, k := range strategy.DefaultPlan() {
		plan[p] = string(k)
	}
	for p, k := range overrides {
		problem := domain.ProblemKind(p)
		if !slices.Contains(domain.ProblemKinds, problem) {
			return fmt.Errorf("invalid plan entry: unknown problem kind %q", p)
		}
		plan[problem] = k
	}
	for problem, kind := range plan {
		if err := reg.Register(problem, kind); err != nil {
			return fmt.Errorf("failed to register strategy for %s: %w", problem, err)
		}
	}
	return nil
}

// buildNotifier fans events out to the configured channels. Webhooks go
// through the guard so a failing receiver is rate limited, tripped and its
// events queued for replay.
func buildNotifier(cfgs []config.NotificationConfig, g *guard.Guard, client *http.Client) (*selfheal.Fanout, map[string]selfheal.Notifier) {
	var channels []selfheal.Channel
	targets := make(map[string]selfheal.Notifier)
	for i, n := range cfgs {
		ch := selfheal.Channel{Name: n.Type, MinSeverity: n.MinSeverity}
		switch n.Type {
		case "log":
			ch.Notifier = selfheal.LogNotifier{}
		case "webhook":
			endpoint := fmt.Sprintf("notify.webhook.%d", i)
			hook := selfheal.NewWebhookNotifier(n.URL, client)
			targets[endpoint] = hook
			ch.Name = endpoint
			ch.Notifier = &guardedNotifier{guard: g, endpoint: endpoint, next: hook}
		default:
			continue
		}
		channels = append(channels, ch)
	}
	if len(channels) == 0 {
		channels = append(channels, selfheal.Channel{Name: "log", MinSeverity: domain.SeverityMedium, Notifier: selfheal.LogNotifier{}})
	}
	return selfheal.NewFanout(channels...), targets
}

func serviceInfo(sc config.ServiceConfig) domain.ServiceInfo {
	return domain.ServiceInfo{
		Name:                sc.Name,
		HealthURL:           sc.HealthURL,
		Endpoint:            sc.Endpoint,
		ProcessName:         sc.ProcessName,
		CheckInterval:       sc.CheckInterval,
		Timeout:             sc.Timeout,
		MaxRetries:          sc.MaxRetries,
		MaxRecoveryAttempts: sc.MaxRecoveryAttempts,
		Launch:              sc.Launch,
	}
}

func selfhealConfig(m config.MonitoringConfig) selfheal.Config {
	return selfheal.Config{
		CheckInterval:       m.CheckInterval,
		CheckTimeout:        m.CheckTimeout,
		Workers:             m.Workers,
		MaxRecoveryAttempts: m.MaxRecoveryAttempts,
		HistoryRetention:    m.HistoryRetention,
		CleanupInterval:     m.CleanupInterval,
		Thresholds: selfheal.Thresholds{
			MemoryPercent:      m.Thresholds.MemoryPercent,
			CPUPercent:         m.Thresholds.CPUPercent,
			DiskPercent:        m.Thresholds.DiskPercent,
			CrashAfterFailures: m.Thresholds.CrashAfterFailures,
		},
	}
}
