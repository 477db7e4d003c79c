package config

import (
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	redisclient "github.com/vietddude/guardian/internal/infra/redis"
	"github.com/vietddude/guardian/internal/infra/storage/postgres"
	"github.com/vietddude/guardian/internal/resilience/breaker"
	"github.com/vietddude/guardian/internal/resilience/errhandler"
	"github.com/vietddude/guardian/internal/resilience/ratelimit"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server        ServerConfig              `yaml:"server"`
	Logging       LoggingConfig             `yaml:"logging"`
	Redis         redisclient.Config        `yaml:"redis"`
	Database      postgres.Config           `yaml:"database"`
	Monitoring    MonitoringConfig          `yaml:"monitoring"`
	Services      []ServiceConfig           `yaml:"services"`
	Strategies    map[string]StrategyConfig `yaml:"strategies"` // keyed by strategy kind
	Plan          map[string]string         `yaml:"plan"`       // problem kind -> strategy kind
	Restart       RestartConfig             `yaml:"restart"`
	Cleanup       CleanupConfig             `yaml:"cleanup"`
	Notifications []NotificationConfig      `yaml:"notifications"`
	Resilience    ResilienceConfig          `yaml:"resilience"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// MonitoringConfig tunes the self-healing loop and the health monitor.
type MonitoringConfig struct {
	CheckInterval       time.Duration    `yaml:"check_interval"`
	CheckTimeout        time.Duration    `yaml:"check_timeout"`
	Workers             int              `yaml:"workers"`
	MaxRecoveryAttempts int              `yaml:"max_recovery_attempts"`
	HistoryRetention    time.Duration    `yaml:"history_retention"`
	HistorySize         int              `yaml:"history_size"`
	CleanupInterval     time.Duration    `yaml:"cleanup_interval"`
	StatusTTL           time.Duration    `yaml:"status_ttl"`
	MetricsTTL          time.Duration    `yaml:"metrics_ttl"`
	SlowThreshold       time.Duration    `yaml:"slow_threshold"`
	Thresholds          ThresholdsConfig `yaml:"thresholds"`
	Resources           ResourcesConfig  `yaml:"resources"`
	DistributedLock     bool             `yaml:"distributed_lock"` // requires redis
}

// ThresholdsConfig drives problem classification.
type ThresholdsConfig struct {
	MemoryPercent      float64 `yaml:"memory_percent"`
	CPUPercent         float64 `yaml:"cpu_percent"`
	DiskPercent        float64 `yaml:"disk_percent"`
	CrashAfterFailures int     `yaml:"crash_after_failures"`
}

// ResourcesConfig holds the host resource probe thresholds.
type ResourcesConfig struct {
	WarnPercent     float64 `yaml:"warn_percent"`
	CriticalPercent float64 `yaml:"critical_percent"`
	DiskPath        string  `yaml:"disk_path"`
}

// ServiceConfig describes one monitored service.
type ServiceConfig struct {
	Name                string            `yaml:"name"`
	HealthURL           string            `yaml:"health_url"`
	Endpoint            string            `yaml:"endpoint"`
	ProcessName         string            `yaml:"process_name"`
	CheckInterval       time.Duration     `yaml:"check_interval"`
	Timeout             time.Duration     `yaml:"timeout"`
	MaxRetries          int               `yaml:"max_retries"`
	MaxRecoveryAttempts int               `yaml:"max_recovery_attempts"`
	Launch              domain.LaunchSpec `yaml:"launch"`
}

// StrategyConfig enables and bounds one healing strategy.
type StrategyConfig struct {
	Enabled     *bool         `yaml:"enabled"` // nil means enabled
	MaxAttempts int           `yaml:"max_attempts"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// IsEnabled reports whether the strategy is enabled.
func (s StrategyConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// RestartConfig tunes the restart strategy.
type RestartConfig struct {
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	ReadyInterval time.Duration `yaml:"ready_interval"`
	SQLDriver     string        `yaml:"sql_driver"` // driver for database reconnects
}

// CleanupConfig tunes the resource cleanup strategy.
type CleanupConfig struct {
	Dirs      []string      `yaml:"dirs"`
	Retention time.Duration `yaml:"retention"`
}

// NotificationConfig is one notification channel.
type NotificationConfig struct {
	Type        string          `yaml:"type"` // log, webhook
	URL         string          `yaml:"url"`
	MinSeverity domain.Severity `yaml:"min_severity"`
}

// ResilienceConfig configures the call-site guard: breakers, retry,
// classification, rate limits and fallback.
type ResilienceConfig struct {
	Breaker     breaker.Config            `yaml:"breaker"`
	Breakers    map[string]breaker.Config `yaml:"breakers"`
	Retry       errhandler.RetryPolicy    `yaml:"retry"`
	ErrorRules  []errhandler.Rule         `yaml:"error_rules"`
	HistorySize int                       `yaml:"history_size"`
	RateLimits  []ratelimit.Config        `yaml:"rate_limits"`
	Fallback    FallbackConfig            `yaml:"fallback"`
}

// FallbackConfig configures cache tiers and the compensation queue.
type FallbackConfig struct {
	DefaultStrategy string             `yaml:"default_strategy"`
	DefaultTTL      time.Duration      `yaml:"default_ttl"`
	MemorySize      int                `yaml:"memory_size"`
	FileDir         string             `yaml:"file_dir"`
	FileMaxEntries  int                `yaml:"file_max_entries"`
	QueueSize       int                `yaml:"queue_size"`
	Endpoints       []FallbackEndpoint `yaml:"endpoints"`
}

// FallbackEndpoint configures fallback for one endpoint.
type FallbackEndpoint struct {
	Endpoint string        `yaml:"endpoint"`
	Strategy string        `yaml:"strategy"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Levels   []string      `yaml:"levels"`
	Priority int           `yaml:"priority"`
	TaskTTL  time.Duration `yaml:"task_ttl"`
}
