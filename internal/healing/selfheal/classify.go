package selfheal

import (
	"fmt"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/healing/health"
)

// Thresholds drive problem classification. Usage values are percentages.
type Thresholds struct {
	MemoryPercent      float64 `yaml:"memory_percent"`
	CPUPercent         float64 `yaml:"cpu_percent"`
	DiskPercent        float64 `yaml:"disk_percent"`
	CrashAfterFailures int     `yaml:"crash_after_failures"`
}

// DefaultThresholds returns the stock classification thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{MemoryPercent: 90, CPUPercent: 90, DiskPercent: 95, CrashAfterFailures: 3}
}

// Classify derives a problem kind and severity from a non-healthy check.
// Resource pressure wins over liveness, which wins over endpoint errors.
func Classify(status domain.ServiceStatus, metrics map[string]float64, failures int, name string, th Thresholds) (domain.ProblemKind, domain.Severity, string) {
	if v, ok := metrics[health.MetricMemoryPercent]; ok && v > th.MemoryPercent {
		return domain.ProblemMemoryExhaustion, escalate(status, domain.SeverityHigh), fmt.Sprintf("memory usage %.1f%%", v)
	}
	if v, ok := metrics[health.MetricCPUPercent]; ok && v > th.CPUPercent {
		return domain.ProblemCPUExhaustion, escalate(status, domain.SeverityHigh), fmt.Sprintf("cpu usage %.1f%%", v)
	}
	if v, ok := metrics[health.MetricDiskPercent]; ok && v > th.DiskPercent {
		return domain.ProblemDiskExhaustion, escalate(status, domain.SeverityHigh), fmt.Sprintf("disk usage %.1f%%", v)
	}

	if v, ok := metrics[health.MetricProcessRunning]; ok && v == 0 {
		return domain.ProblemCrash, domain.SeverityCritical, "process not running"
	}

	switch status {
	case domain.StatusFailed:
		if th.CrashAfterFailures > 0 && failures >= th.CrashAfterFailures {
			return domain.ProblemCrash, domain.SeverityCritical, fmt.Sprintf("failed %d consecutive checks", failures)
		}
		if metrics[health.MetricTimeout] > 0 {
			return domain.ProblemTimeout, domain.SeverityHigh, "health check timed out"
		}
		return domain.ProblemConnectionError, domain.SeverityHigh, "health check failed"
	case domain.StatusDegraded:
		switch domain.DependencyOf(name) {
		case domain.DependencyDatabase:
			return domain.ProblemDatabaseError, domain.SeverityMedium, "database degraded"
		case domain.DependencyCache:
			return domain.ProblemCacheError, domain.SeverityMedium, "cache degraded"
		default:
			return domain.ProblemAPIError, domain.SeverityMedium, "service degraded"
		}
	}
	return domain.ProblemUnknown, domain.SeverityLow, fmt.Sprintf("service status %s", status)
}

func escalate(status domain.ServiceStatus, s domain.Severity) domain.Severity {
	if status == domain.StatusFailed {
		return domain.SeverityCritical
	}
	return s
}
