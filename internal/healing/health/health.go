// Package health checks monitored services and reports their status.
package health

import (
	"context"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
)

// Metric keys shared by probes and problem classification.
const (
	MetricCPUPercent        = "cpu_percent"
	MetricMemoryPercent     = "memory_percent"
	MetricDiskPercent       = "disk_percent"
	MetricProcessRunning    = "process_running"
	MetricProcessCount      = "process_count"
	MetricProcessCPU        = "process_cpu_percent"
	MetricProcessMemory     = "process_memory_percent"
	MetricProcessThreads    = "process_threads"
	MetricEndpointLatencyMS = "endpoint_latency_ms"
	MetricEndpointStatus    = "endpoint_status_code"
	MetricTimeout           = "timeout"
)

// CheckResult is one probe's verdict. An empty Status means the probe does not
// apply to the service.
type CheckResult struct {
	Probe   string               `json:"probe"`
	Status  domain.ServiceStatus `json:"status,omitempty"`
	Message string               `json:"message,omitempty"`
	Metrics map[string]float64   `json:"metrics,omitempty"`
}

// Report combines every probe's result for one service.
type Report struct {
	Service   string               `json:"service"`
	Status    domain.ServiceStatus `json:"status"`
	Checks    []CheckResult        `json:"checks"`
	CheckedAt time.Time            `json:"checked_at"`
	Duration  time.Duration        `json:"duration"`
}

// Metrics merges the probes' metrics in probe order, later values winning.
func (r Report) Metrics() map[string]float64 {
	out := make(map[string]float64)
	for _, c := range r.Checks {
		for k, v := range c.Metrics {
			out[k] = v
		}
	}
	return out
}

// Probe checks one aspect of a service. Implementations must honor ctx.
type Probe interface {
	Name() string
	Check(ctx context.Context, svc domain.ServiceInfo) CheckResult
	Collect(ctx context.Context, svc domain.ServiceInfo) (map[string]float64, error)
}
