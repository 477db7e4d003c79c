package domain

import (
	"slices"
	"strings"
	"time"
	"unicode"
)

// ServiceStatus is the health state of a monitored service.
type ServiceStatus string

const (
	StatusHealthy    ServiceStatus = "healthy"
	StatusDegraded   ServiceStatus = "degraded"
	StatusFailed     ServiceStatus = "failed"
	StatusRecovering ServiceStatus = "recovering"
	StatusUnknown    ServiceStatus = "unknown"
)

// rank orders statuses for worst-of combination. Higher is worse.
func (s ServiceStatus) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusRecovering:
		return 1
	case StatusUnknown:
		return 2
	case StatusDegraded:
		return 3
	case StatusFailed:
		return 4
	default:
		return -1
	}
}

// Worst returns the more severe of two statuses.
// An empty status means "not applicable" and never wins.
func Worst(a, b ServiceStatus) ServiceStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// LaunchSpec describes how a service can be (re)started.
// Launchers try the fields in order: Unit, Container, Command, Script.
type LaunchSpec struct {
	Unit      string   `yaml:"unit"      json:"unit,omitempty"`      // systemd unit name
	Container string   `yaml:"container" json:"container,omitempty"` // container name or id
	Command   []string `yaml:"command"   json:"command,omitempty"`   // argv for direct spawn
	Script    string   `yaml:"script"    json:"script,omitempty"`    // shell script path
	WorkDir   string   `yaml:"workdir"   json:"workdir,omitempty"`
}

// ServiceInfo describes a monitored service and its mutable health bookkeeping.
type ServiceInfo struct {
	Name                string        `json:"name"`
	HealthURL           string        `json:"health_url,omitempty"`
	Endpoint            string        `json:"endpoint,omitempty"` // connection URL for db/cache/api probes
	ProcessName         string        `json:"process_name,omitempty"`
	CheckInterval       time.Duration `json:"check_interval"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
	MaxRecoveryAttempts int           `json:"max_recovery_attempts"`
	Launch              LaunchSpec    `json:"launch"`

	Status           ServiceStatus `json:"status"`
	FailureCount     int           `json:"failure_count"`
	RecoveryAttempts int           `json:"recovery_attempts"`
	LastCheck        time.Time     `json:"last_check"`
	LastHealthy      time.Time     `json:"last_healthy"`
	LastProblem      ProblemKind   `json:"last_problem,omitempty"`
}

// DependencyKind is derived from a service name and selects a reconnection path.
type DependencyKind string

const (
	DependencyDatabase DependencyKind = "database"
	DependencyCache    DependencyKind = "cache"
	DependencyAPI      DependencyKind = "api"
	DependencyGeneric  DependencyKind = "generic"
)

// DependencyOf infers the dependency kind from a service name.
func DependencyOf(name string) DependencyKind {
	n := strings.ToLower(name)
	tokens := strings.FieldsFunc(n, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	switch {
	case containsAny(n, "postgres", "mysql", "database", "sql") || slices.Contains(tokens, "db"):
		return DependencyDatabase
	case containsAny(n, "redis", "cache", "memcache"):
		return DependencyCache
	case containsAny(n, "api", "http", "grpc", "gateway"):
		return DependencyAPI
	default:
		return DependencyGeneric
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
