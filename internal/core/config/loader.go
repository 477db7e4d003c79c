package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/guardian/internal/core/domain"
)

// Bounds enforced on load. Values outside them are logged and defaulted.
const (
	MinCheckInterval = 5 * time.Second
	MaxWorkers       = 256
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, applying defaults and bounds.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	var cfg AppConfig
	ApplyDefaults(&cfg)
	return &cfg
}

// ApplyDefaults fills unset values and replaces invalid ones, logging each
// replacement. It never fails.
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	m := &cfg.Monitoring
	m.CheckInterval = atLeast("monitoring.check_interval", m.CheckInterval, MinCheckInterval, 30*time.Second)
	m.CheckTimeout = positive("monitoring.check_timeout", m.CheckTimeout, 10*time.Second)
	if m.CheckTimeout > m.CheckInterval {
		slog.Warn("Invalid config value, using default", "key", "monitoring.check_timeout", "value", m.CheckTimeout, "reason", "exceeds check_interval", "default", m.CheckInterval)
		m.CheckTimeout = m.CheckInterval
	}
	m.Workers = intInRange("monitoring.workers", m.Workers, 1, MaxWorkers, 8)
	m.MaxRecoveryAttempts = intInRange("monitoring.max_recovery_attempts", m.MaxRecoveryAttempts, 1, 100, 3)
	m.HistoryRetention = positive("monitoring.history_retention", m.HistoryRetention, 24*time.Hour)
	m.HistorySize = intInRange("monitoring.history_size", m.HistorySize, 1, 1_000_000, 1000)
	m.StatusTTL = positive("monitoring.status_ttl", m.StatusTTL, 30*time.Second)
	m.MetricsTTL = positive("monitoring.metrics_ttl", m.MetricsTTL, 15*time.Second)
	m.SlowThreshold = positive("monitoring.slow_threshold", m.SlowThreshold, 2*time.Second)

	th := &m.Thresholds
	th.MemoryPercent = percent("monitoring.thresholds.memory_percent", th.MemoryPercent, 90)
	th.CPUPercent = percent("monitoring.thresholds.cpu_percent", th.CPUPercent, 90)
	th.DiskPercent = percent("monitoring.thresholds.disk_percent", th.DiskPercent, 95)
	th.CrashAfterFailures = intInRange("monitoring.thresholds.crash_after_failures", th.CrashAfterFailures, 1, 1000, 3)

	r := &m.Resources
	r.WarnPercent = percent("monitoring.resources.warn_percent", r.WarnPercent, 80)
	r.CriticalPercent = percent("monitoring.resources.critical_percent", r.CriticalPercent, 95)
	if r.WarnPercent > r.CriticalPercent {
		slog.Warn("Invalid config value, using default", "key", "monitoring.resources.warn_percent", "value", r.WarnPercent, "reason", "exceeds critical_percent", "default", 80)
		r.WarnPercent, r.CriticalPercent = 80, 95
	}
	if r.DiskPath == "" {
		r.DiskPath = "/"
	}

	cfg.Services = validServices(cfg.Services, m)

	for kind, sc := range cfg.Strategies {
		key := "strategies." + kind
		sc.MaxAttempts = intInRange(key+".max_attempts", sc.MaxAttempts, 1, 100, 3)
		if sc.Cooldown < 0 {
			slog.Warn("Invalid config value, using default", "key", key+".cooldown", "value", sc.Cooldown, "default", time.Minute)
			sc.Cooldown = time.Minute
		}
		cfg.Strategies[kind] = sc
	}

	cfg.Restart.ReadyTimeout = positive("restart.ready_timeout", cfg.Restart.ReadyTimeout, 30*time.Second)
	cfg.Restart.ReadyInterval = positive("restart.ready_interval", cfg.Restart.ReadyInterval, time.Second)
	cfg.Cleanup.Retention = positive("cleanup.retention", cfg.Cleanup.Retention, 7*24*time.Hour)

	cfg.Notifications = validNotifications(cfg.Notifications)

	fb := &cfg.Resilience.Fallback
	fb.DefaultTTL = positive("resilience.fallback.default_ttl", fb.DefaultTTL, 5*time.Minute)
	fb.MemorySize = intInRange("resilience.fallback.memory_size", fb.MemorySize, 1, 10_000_000, 1024)
	fb.FileMaxEntries = intInRange("resilience.fallback.file_max_entries", fb.FileMaxEntries, 1, 10_000_000, 10_000)
	fb.QueueSize = intInRange("resilience.fallback.queue_size", fb.QueueSize, 1, 10_000_000, 1000)
	if fb.DefaultStrategy == "" {
		fb.DefaultStrategy = "hierarchical"
	}
}

func validServices(in []ServiceConfig, m *MonitoringConfig) []ServiceConfig {
	seen := make(map[string]bool, len(in))
	out := make([]ServiceConfig, 0, len(in))
	for i, s := range in {
		if s.Name == "" {
			slog.Warn("Skipping service without name", "index", i)
			continue
		}
		if seen[s.Name] {
			slog.Warn("Skipping duplicate service", "service", s.Name)
			continue
		}
		seen[s.Name] = true

		key := "services." + s.Name
		if s.CheckInterval == 0 {
			s.CheckInterval = m.CheckInterval
		}
		s.CheckInterval = atLeast(key+".check_interval", s.CheckInterval, MinCheckInterval, m.CheckInterval)
		if s.Timeout == 0 {
			s.Timeout = m.CheckTimeout
		}
		s.Timeout = positive(key+".timeout", s.Timeout, m.CheckTimeout)
		if s.MaxRecoveryAttempts == 0 {
			s.MaxRecoveryAttempts = m.MaxRecoveryAttempts
		}
		s.MaxRecoveryAttempts = intInRange(key+".max_recovery_attempts", s.MaxRecoveryAttempts, 1, 100, m.MaxRecoveryAttempts)
		if s.MaxRetries < 0 {
			slog.Warn("Invalid config value, using default", "key", key+".max_retries", "value", s.MaxRetries, "default", 0)
			s.MaxRetries = 0
		}
		out = append(out, s)
	}
	return out
}

func validNotifications(in []NotificationConfig) []NotificationConfig {
	out := make([]NotificationConfig, 0, len(in))
	for i, n := range in {
		switch n.Type {
		case "log":
		case "webhook":
			if n.URL == "" {
				slog.Warn("Skipping webhook notification without url", "index", i)
				continue
			}
		default:
			slog.Warn("Skipping unknown notification type", "index", i, "type", n.Type)
			continue
		}
		if n.MinSeverity.Level() == 0 {
			if n.MinSeverity != "" {
				slog.Warn("Invalid config value, using default", "key", "notifications.min_severity", "value", n.MinSeverity, "default", domain.SeverityMedium)
			}
			n.MinSeverity = domain.SeverityMedium
		}
		out = append(out, n)
	}
	return out
}

// =============================================================================
// Bound helpers
// =============================================================================

func atLeast(key string, v, lowest, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	if v < lowest {
		slog.Warn("Invalid config value, using default", "key", key, "value", v, "minimum", lowest, "default", def)
		return def
	}
	return v
}

func positive(key string, v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	if v < 0 {
		slog.Warn("Invalid config value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return v
}

func intInRange(key string, v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo || v > hi {
		slog.Warn("Invalid config value, using default", "key", key, "value", v, "min", lo, "max", hi, "default", def)
		return def
	}
	return v
}

func percent(key string, v, def float64) float64 {
	if v == 0 {
		return def
	}
	if v < 0 || v > 100 {
		slog.Warn("Invalid config value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return v
}
