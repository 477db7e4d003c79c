package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/guardian/internal/core/domain"
)

// =============================================================================
// Process probe
// =============================================================================

// ProcessInfo describes one OS process matching a service.
type ProcessInfo struct {
	PID           int32
	Name          string
	Running       bool
	CPUPercent    float64
	MemoryPercent float64
	Threads       int32
}

// ProcessTable looks up processes by executable name.
type ProcessTable interface {
	Find(ctx context.Context, name string) ([]ProcessInfo, error)
}

// ProcessProbe reports Failed when no live process matches ProcessName.
type ProcessProbe struct {
	table ProcessTable
}

// NewProcessProbe creates a process probe. A nil table uses the host's.
func NewProcessProbe(table ProcessTable) *ProcessProbe {
	if table == nil {
		table = HostProcesses{}
	}
	return &ProcessProbe{table: table}
}

func (p *ProcessProbe) Name() string { return "process" }

func (p *ProcessProbe) Check(ctx context.Context, svc domain.ServiceInfo) CheckResult {
	if svc.ProcessName == "" {
		return CheckResult{}
	}
	procs, err := p.table.Find(ctx, svc.ProcessName)
	if err != nil {
		return CheckResult{Status: domain.StatusUnknown, Message: fmt.Sprintf("process lookup failed: %v", err)}
	}

	running := 0
	for _, pr := range procs {
		if pr.Running {
			running++
		}
	}
	res := CheckResult{Metrics: map[string]float64{
		MetricProcessCount:   float64(running),
		MetricProcessRunning: 0,
	}}
	if running == 0 {
		res.Status = domain.StatusFailed
		res.Message = fmt.Sprintf("process %s not running", svc.ProcessName)
		return res
	}
	res.Metrics[MetricProcessRunning] = 1
	res.Status = domain.StatusHealthy
	return res
}

func (p *ProcessProbe) Collect(ctx context.Context, svc domain.ServiceInfo) (map[string]float64, error) {
	if svc.ProcessName == "" {
		return nil, nil
	}
	procs, err := p.table.Find(ctx, svc.ProcessName)
	if err != nil {
		return nil, err
	}
	out := map[string]float64{MetricProcessCount: 0}
	for _, pr := range procs {
		if !pr.Running {
			continue
		}
		out[MetricProcessCount]++
		out[MetricProcessCPU] += pr.CPUPercent
		out[MetricProcessMemory] += pr.MemoryPercent
		out[MetricProcessThreads] += float64(pr.Threads)
	}
	return out, nil
}

// HostProcesses reads the process table through gopsutil.
type HostProcesses struct{}

func (HostProcesses) Find(ctx context.Context, name string) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var out []ProcessInfo
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err != nil || n != name {
			continue
		}
		info := ProcessInfo{PID: p.Pid, Name: n}
		info.Running, _ = p.IsRunningWithContext(ctx)
		info.CPUPercent, _ = p.CPUPercentWithContext(ctx)
		if memPct, err := p.MemoryPercentWithContext(ctx); err == nil {
			info.MemoryPercent = float64(memPct)
		}
		info.Threads, _ = p.NumThreadsWithContext(ctx)
		out = append(out, info)
	}
	return out, nil
}

// =============================================================================
// Endpoint probe
// =============================================================================

// EndpointProbe calls HealthURL. http(s) URLs expect a 2xx/3xx response;
// grpc://host:port/service URLs use the gRPC health protocol.
type EndpointProbe struct {
	client        *http.Client
	slowThreshold time.Duration
}

// NewEndpointProbe creates an endpoint probe. Responses slower than
// slowThreshold are reported as Degraded.
func NewEndpointProbe(client *http.Client, slowThreshold time.Duration) *EndpointProbe {
	if client == nil {
		client = &http.Client{}
	}
	if slowThreshold <= 0 {
		slowThreshold = 2 * time.Second
	}
	return &EndpointProbe{client: client, slowThreshold: slowThreshold}
}

func (p *EndpointProbe) Name() string { return "endpoint" }

func (p *EndpointProbe) Check(ctx context.Context, svc domain.ServiceInfo) CheckResult {
	if svc.HealthURL == "" {
		return CheckResult{}
	}

	start := time.Now()
	code, err := p.call(ctx, svc.HealthURL)
	latency := time.Since(start)

	res := CheckResult{Metrics: map[string]float64{
		MetricEndpointLatencyMS: float64(latency.Milliseconds()),
	}}
	if code > 0 {
		res.Metrics[MetricEndpointStatus] = float64(code)
	}

	switch {
	case err != nil:
		res.Status = domain.StatusFailed
		res.Message = err.Error()
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			res.Metrics[MetricTimeout] = 1
		}
	case code >= 500:
		res.Status = domain.StatusFailed
		res.Message = fmt.Sprintf("health endpoint returned %d", code)
	case code >= 400:
		res.Status = domain.StatusDegraded
		res.Message = fmt.Sprintf("health endpoint returned %d", code)
	case latency > p.slowThreshold:
		res.Status = domain.StatusDegraded
		res.Message = fmt.Sprintf("slow response: %s", latency)
	default:
		res.Status = domain.StatusHealthy
	}
	return res
}

func (p *EndpointProbe) Collect(ctx context.Context, svc domain.ServiceInfo) (map[string]float64, error) {
	if svc.HealthURL == "" {
		return nil, nil
	}
	start := time.Now()
	code, err := p.call(ctx, svc.HealthURL)
	if err != nil {
		return nil, err
	}
	return map[string]float64{
		MetricEndpointLatencyMS: float64(time.Since(start).Milliseconds()),
		MetricEndpointStatus:    float64(code),
	}, nil
}

// call returns an HTTP-like status code: gRPC SERVING maps to 200 and
// anything else to 503.
func (p *EndpointProbe) call(ctx context.Context, rawURL string) (int, error) {
	if strings.HasPrefix(rawURL, "grpc://") {
		return checkGRPC(ctx, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("health request failed: %w", err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// checkGRPC runs a gRPC health check against grpc://host:port/service.
func checkGRPC(ctx context.Context, rawURL string) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("invalid grpc health url: %w", err)
	}
	conn, err := grpc.NewClient(u.Host, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return 0, fmt.Errorf("failed to create grpc client: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: strings.TrimPrefix(u.Path, "/"),
	})
	if err != nil {
		return 0, fmt.Errorf("grpc health check failed: %w", err)
	}
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		return http.StatusOK, nil
	}
	return http.StatusServiceUnavailable, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// =============================================================================
// Resource probe
// =============================================================================

// HostStats reports host resource usage in percent.
type HostStats interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
	DiskPercent(ctx context.Context, path string) (float64, error)
}

// ResourceThresholds mark Degraded at Warn and Failed at Critical.
type ResourceThresholds struct {
	Warn     float64
	Critical float64
	DiskPath string
}

// ResourceProbe checks host CPU, memory and disk usage.
type ResourceProbe struct {
	stats      HostStats
	thresholds ResourceThresholds
}

// NewResourceProbe creates a resource probe. A nil stats source uses the host's.
func NewResourceProbe(stats HostStats, th ResourceThresholds) *ResourceProbe {
	if stats == nil {
		stats = HostResources{}
	}
	if th.Warn <= 0 {
		th.Warn = 80
	}
	if th.Critical <= 0 {
		th.Critical = 95
	}
	if th.DiskPath == "" {
		th.DiskPath = "/"
	}
	return &ResourceProbe{stats: stats, thresholds: th}
}

func (p *ResourceProbe) Name() string { return "resource" }

func (p *ResourceProbe) Check(ctx context.Context, svc domain.ServiceInfo) CheckResult {
	vals, err := p.Collect(ctx, svc)
	if err != nil && len(vals) == 0 {
		return CheckResult{Status: domain.StatusUnknown, Message: err.Error()}
	}

	res := CheckResult{Status: domain.StatusHealthy, Metrics: vals}
	var hot []string
	for _, k := range []string{MetricCPUPercent, MetricMemoryPercent, MetricDiskPercent} {
		v, ok := vals[k]
		if !ok {
			continue
		}
		switch {
		case v >= p.thresholds.Critical:
			res.Status = domain.Worst(res.Status, domain.StatusFailed)
			hot = append(hot, fmt.Sprintf("%s=%.1f", k, v))
		case v >= p.thresholds.Warn:
			res.Status = domain.Worst(res.Status, domain.StatusDegraded)
			hot = append(hot, fmt.Sprintf("%s=%.1f", k, v))
		}
	}
	if len(hot) > 0 {
		res.Message = "high resource usage: " + strings.Join(hot, ", ")
	}
	return res
}

func (p *ResourceProbe) Collect(ctx context.Context, _ domain.ServiceInfo) (map[string]float64, error) {
	out := make(map[string]float64, 3)
	var errs []error
	if v, err := p.stats.CPUPercent(ctx); err == nil {
		out[MetricCPUPercent] = v
	} else {
		errs = append(errs, err)
	}
	if v, err := p.stats.MemoryPercent(ctx); err == nil {
		out[MetricMemoryPercent] = v
	} else {
		errs = append(errs, err)
	}
	if v, err := p.stats.DiskPercent(ctx, p.thresholds.DiskPath); err == nil {
		out[MetricDiskPercent] = v
	} else {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// HostResources reads host usage through gopsutil.
type HostResources struct{}

func (HostResources) CPUPercent(ctx context.Context) (float64, error) {
	out, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		return 0, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(out) == 0 {
		return 0, errors.New("no cpu usage reported")
	}
	return out[0], nil
}

func (HostResources) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read memory usage: %w", err)
	}
	return vm.UsedPercent, nil
}

func (HostResources) DiskPercent(ctx context.Context, path string) (float64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage: %w", err)
	}
	return u.UsedPercent, nil
}
