// Package control wires configuration into a running Guardian.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/vietddude/guardian/internal/core/config"
	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/healing/health"
	"github.com/vietddude/guardian/internal/healing/selfheal"
	"github.com/vietddude/guardian/internal/healing/server"
	"github.com/vietddude/guardian/internal/healing/strategy"
	redisclient "github.com/vietddude/guardian/internal/infra/redis"
	"github.com/vietddude/guardian/internal/infra/storage/postgres"
	"github.com/vietddude/guardian/internal/resilience/guard"
	"github.com/vietddude/guardian/internal/resilience/ratelimit"
)

// Guardian is the main application struct that owns every component's
// lifecycle.
type Guardian struct {
	cfg        *config.AppConfig
	guard      *guard.Guard
	monitor    *health.Monitor
	strategies *strategy.Registry
	healer     *selfheal.Service
	server     *server.Server
	watcher    *config.Watcher
	replayer   *replayer
	db         *postgres.DB
	redis      *redisclient.Client
	sqlConns   *strategy.SQLReconnector
	redisConns *strategy.RedisReconnector
	log        *slog.Logger
}

// NewGuardian creates a Guardian from cfg. path is the config file used for
// hot reload; empty disables it.
func NewGuardian(ctx context.Context, cfg *config.AppConfig, path string) (*Guardian, error) {
	g := &Guardian{cfg: cfg, log: slog.Default()}

	// 1. Redis is optional; without it everything stays process-local.
	if cfg.Redis.URL != "" {
		rdb, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, using local fallbacks", "error", err)
		} else {
			g.redis = rdb
		}
	}

	// 2. Resilience guard
	gd, err := buildGuard(cfg.Resilience, g.redis)
	if err != nil {
		g.close()
		return nil, err
	}
	g.guard = gd

	// 3. History
	history, db, err := buildHistory(ctx, cfg)
	if err != nil {
		g.close()
		return nil, err
	}
	g.db = db

	// 4. Health monitor
	client := &http.Client{Timeout: cfg.Monitoring.CheckTimeout}
	endpoints := health.NewEndpointProbe(client, cfg.Monitoring.SlowThreshold)
	processes := health.HostProcesses{}
	g.monitor = health.NewMonitor(health.MonitorConfig{
		StatusTTL:  cfg.Monitoring.StatusTTL,
		MetricsTTL: cfg.Monitoring.MetricsTTL,
	},
		health.NewProcessProbe(processes),
		endpoints,
		health.NewResourceProbe(nil, health.ResourceThresholds{
			Warn:     cfg.Monitoring.Resources.WarnPercent,
			Critical: cfg.Monitoring.Resources.CriticalPercent,
			DiskPath: cfg.Monitoring.Resources.DiskPath,
		}),
	)

	// 5. Config watcher
	if path != "" {
		g.watcher = config.NewWatcher(path, cfg)
		g.watcher.OnChange(g.applyConfig)
	}

	// 6. Strategies
	settings, err := strategySettings(cfg.Strategies)
	if err != nil {
		g.close()
		return nil, err
	}
	driver := cfg.Restart.SQLDriver
	if driver == "" {
		driver = cfg.Database.Driver
	}
	g.sqlConns = strategy.NewSQLReconnector(driver)
	g.redisConns = strategy.NewRedisReconnector()

	factory := strategy.NewFactory(strategy.Dependencies{
		Settings: settings,
		Restart: strategy.RestartConfig{
			ReadyTimeout:  cfg.Restart.ReadyTimeout,
			ReadyInterval: cfg.Restart.ReadyInterval,
		},
		Processes: processes,
		Launchers: strategy.DefaultLaunchers(strategy.DBusUnits{}, strategy.ExecRunner{}),
		Ready:     endpoints,
		Reconnectors: map[domain.DependencyKind]strategy.Reconnector{
			domain.DependencyDatabase: g.sqlConns,
			domain.DependencyCache:    g.redisConns,
			domain.DependencyAPI:      strategy.NewAPIReconnector(client, endpoints),
		},
		Breakers: gd.Errors.Breakers(),
		Cleanup: strategy.CleanupConfig{
			Dirs:      cfg.Cleanup.Dirs,
			Retention: cfg.Cleanup.Retention,
		},
		IdleClosers: []strategy.IdleCloser{client},
		Reloaders:   g.reloaders(),
	})
	g.strategies = strategy.NewRegistry(factory)
	if err := registerPlan(g.strategies, cfg.Plan); err != nil {
		g.close()
		return nil, err
	}

	// 7. Self-healing service
	notifier, targets := buildNotifier(cfg.Notifications, gd, client)
	opts := []selfheal.Option{
		selfheal.WithHistory(history),
		selfheal.WithNotifier(notifier),
	}
	if cfg.Monitoring.DistributedLock {
		if g.redis == nil {
			slog.Warn("Distributed lock requested without Redis, using local lock")
		} else {
			expiry := cfg.Restart.ReadyTimeout + cfg.Monitoring.CheckTimeout
			opts = append(opts, selfheal.WithDispatchLock(redisclient.NewDispatchLock(g.redis, expiry)))
		}
	}
	g.healer = selfheal.NewService(selfhealConfig(cfg.Monitoring), g.monitor, g.strategies, opts...)
	for _, sc := range cfg.Services {
		if err := g.healer.RegisterService(serviceInfo(sc)); err != nil {
			g.close()
			return nil, fmt.Errorf("failed to register service %s: %w", sc.Name, err)
		}
	}
	g.replayer = newReplayer(gd, targets, cfg.Monitoring.CheckInterval)

	// 8. HTTP surface
	g.server = server.NewServer(g.healer, gd.Errors.Breakers(), gd.Limiter, cfg.Server.Port)

	for _, b := range g.strategies.Bindings() {
		slog.Debug("Healing strategy bound", "problem", b[0], "strategy", b[1])
	}
	return g, nil
}

// Guard returns the call-site guard shared by the process.
func (g *Guardian) Guard() *guard.Guard { return g.guard }

// Healer returns the self-healing service.
func (g *Guardian) Healer() *selfheal.Service { return g.healer }

// Start starts the watcher and all its components.
func (g *Guardian) Start(ctx context.Context) error {
	go func() {
		if err := g.server.Start(); err != nil {
			g.log.Error("Health server failed", "error", err)
		}
	}()

	if g.db != nil {
		g.db.StartMetricsCollector(ctx)
	}

	if g.watcher != nil {
		if err := g.watcher.Start(ctx); err != nil {
			g.log.Warn("Config hot reload disabled", "error", err)
		}
	}

	go g.replayer.Start(ctx)

	if err := g.healer.StartMonitoring(ctx); err != nil {
		return fmt.Errorf("failed to start monitoring: %w", err)
	}
	return nil
}

// Stop stops monitoring, the server and closes connections.
func (g *Guardian) Stop(ctx context.Context) error {
	g.log.Info("Stopping Guardian...")

	var errs []error
	if err := g.healer.StopMonitoring(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := g.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop server: %w", err))
	}
	g.close()
	return errors.Join(errs...)
}

func (g *Guardian) close() {
	if g.sqlConns != nil {
		if err := g.sqlConns.Close(); err != nil {
			g.log.Warn("Failed to close reconnected databases", "error", err)
		}
	}
	if g.redisConns != nil {
		if err := g.redisConns.Close(); err != nil {
			g.log.Warn("Failed to close reconnected caches", "error", err)
		}
	}
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			g.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if g.db != nil {
		if err := g.db.Close(); err != nil {
			g.log.Warn("Failed to close database", "error", err)
		}
	}
}

// reloaders back the configuration_reload strategy: the config file, the
// history database and the Redis connection are refreshed independently.
func (g *Guardian) reloaders() []strategy.NamedReloader {
	var out []strategy.NamedReloader
	if g.watcher != nil {
		out = append(out, strategy.NamedReloader{Name: "application", Reloader: strategy.ReloaderFunc(g.watcher.Reload)})
	}
	if g.db != nil {
		out = append(out, strategy.NamedReloader{Name: "database", Reloader: strategy.ReloaderFunc(g.db.Health)})
	}
	if g.redis != nil {
		out = append(out, strategy.NamedReloader{Name: "cache", Reloader: strategy.ReloaderFunc(g.redis.Health)})
	}
	return out
}

// applyConfig reconciles the running service set and rate limits with a
// reloaded configuration. Other settings need a restart.
func (g *Guardian) applyConfig(cfg *config.AppConfig) {
	wanted := make(map[string]domain.ServiceInfo, len(cfg.Services))
	for _, sc := range cfg.Services {
		wanted[sc.Name] = serviceInfo(sc)
	}

	for _, cur := range g.healer.Services() {
		want, ok := wanted[cur.Name]
		if ok && sameDefinition(cur, want) {
			delete(wanted, cur.Name)
			continue
		}
		if err := g.healer.UnregisterService(cur.Name); err != nil {
			g.log.Warn("Failed to unregister service", "service", cur.Name, "error", err)
		}
	}
	for _, info := range wanted {
		if err := g.healer.RegisterService(info); err != nil {
			g.log.Warn("Failed to register service", "service", info.Name, "error", err)
		}
	}

	registerRateLimits(g.guard.Limiter, newRateLimits(g.guard.Limiter.Endpoints(), cfg))
	g.cfg = cfg
}

// newRateLimits returns configured limits not yet registered. Changing an
// existing endpoint's limit needs a restart.
func newRateLimits(existing []string, cfg *config.AppConfig) []ratelimit.Config {
	known := make(map[string]bool, len(existing))
	for _, e := range existing {
		known[e] = true
	}
	var out []ratelimit.Config
	for _, rl := range cfg.Resilience.RateLimits {
		if !known[rl.Endpoint] {
			out = append(out, rl)
		}
	}
	return out
}

// sameDefinition compares the configured fields, ignoring bookkeeping.
func sameDefinition(a, b domain.ServiceInfo) bool {
	return a.HealthURL == b.HealthURL &&
		a.Endpoint == b.Endpoint &&
		a.ProcessName == b.ProcessName &&
		a.CheckInterval == b.CheckInterval &&
		a.Timeout == b.Timeout &&
		a.MaxRetries == b.MaxRetries &&
		a.MaxRecoveryAttempts == b.MaxRecoveryAttempts &&
		a.Launch.Unit == b.Launch.Unit &&
		a.Launch.Container == b.Launch.Container &&
		a.Launch.Script == b.Launch.Script &&
		a.Launch.WorkDir == b.Launch.WorkDir &&
		slices.Equal(a.Launch.Command, b.Launch.Command)
}
