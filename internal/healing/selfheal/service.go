// Package selfheal runs the monitoring loop that detects problems and
// dispatches remediation strategies.
package selfheal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/core/metrics"
	"github.com/vietddude/guardian/internal/core/worker"
	"github.com/vietddude/guardian/internal/healing/health"
	"github.com/vietddude/guardian/internal/healing/strategy"
	"github.com/vietddude/guardian/internal/infra/storage"
	"github.com/vietddude/guardian/internal/infra/storage/memory"
)

var (
	// ErrServiceExists is returned when registering a duplicate name.
	ErrServiceExists = errors.New("service already registered")
	// ErrServiceNotFound is returned for unknown service names.
	ErrServiceNotFound = errors.New("service not found")
)

// Config controls the polling loop.
type Config struct {
	CheckInterval       time.Duration
	CheckTimeout        time.Duration
	Workers             int
	MaxRecoveryAttempts int
	HistoryRetention    time.Duration
	CleanupInterval     time.Duration
	RecentWindow        time.Duration
	RecentLimit         int
	Thresholds          Thresholds
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:       30 * time.Second,
		CheckTimeout:        10 * time.Second,
		Workers:             8,
		MaxRecoveryAttempts: 3,
		HistoryRetention:    24 * time.Hour,
		RecentWindow:        time.Hour,
		RecentLimit:         10,
		Thresholds:          DefaultThresholds(),
	}
}

// Monitor checks service health.
type Monitor interface {
	CheckService(ctx context.Context, svc domain.ServiceInfo) health.Report
	CollectMetrics(ctx context.Context, svc domain.ServiceInfo) map[string]float64
	Invalidate(name string)
}

// Strategies resolves problem kinds to remediation strategies.
type Strategies interface {
	For(problem domain.ProblemKind) (strategy.Strategy, bool)
	ResetService(name string)
}

// Summary is the health overview returned by GetHealthSummary.
type Summary struct {
	Total             int                    `json:"total"`
	Healthy           int                    `json:"healthy"`
	Degraded          int                    `json:"degraded"`
	Failed            int                    `json:"failed"`
	Recovering        int                    `json:"recovering"`
	Unknown           int                    `json:"unknown"`
	RecentProblems    []domain.ProblemReport `json:"recent_problems"`
	RecentCorrections []domain.HealingResult `json:"recent_corrections"`
	GeneratedAt       time.Time              `json:"generated_at"`
}

type entry struct {
	info     domain.ServiceInfo
	inFlight bool
}

// Service owns the registry of monitored services.
type Service struct {
	cfg        Config
	monitor    Monitor
	strategies Strategies
	history    storage.HistoryRepository
	lock       DispatchLock
	notifier   Notifier
	log        *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	services map[string]*entry

	statusMu sync.RWMutex
	statuses map[string]domain.ServiceStatus

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithHistory sets the history store. The default is in-memory.
func WithHistory(h storage.HistoryRepository) Option {
	return func(s *Service) { s.history = h }
}

// WithDispatchLock sets the lock used around remediation.
func WithDispatchLock(l DispatchLock) Option {
	return func(s *Service) { s.lock = l }
}

// WithNotifier sets where problem and healing events are sent.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a self-healing service.
func NewService(cfg Config, monitor Monitor, strategies Strategies, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = def.RecentWindow
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = def.RecentLimit
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}

	s := &Service{
		cfg:        cfg,
		monitor:    monitor,
		strategies: strategies,
		log:        slog.Default(),
		now:        time.Now,
		services:   make(map[string]*entry),
		statuses:   make(map[string]domain.ServiceStatus),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.history == nil {
		s.history = memory.NewHistoryStore(0)
	}
	if s.lock == nil {
		s.lock = NewLocalLock()
	}
	if s.notifier == nil {
		s.notifier = NewFanout(Channel{Name: "log", MinSeverity: domain.SeverityMedium, Notifier: LogNotifier{}})
	}
	return s
}

// =============================================================================
// Registry
// =============================================================================

// RegisterService adds a service. Unset intervals fall back to the service
// defaults.
func (s *Service) RegisterService(info domain.ServiceInfo) error {
	if info.Name == "" {
		return errors.New("service name is required")
	}
	if info.CheckInterval <= 0 {
		info.CheckInterval = s.cfg.CheckInterval
	}
	if info.Timeout <= 0 {
		info.Timeout = s.cfg.CheckTimeout
	}
	if info.MaxRecoveryAttempts <= 0 {
		info.MaxRecoveryAttempts = s.cfg.MaxRecoveryAttempts
	}
	info.Status = domain.StatusUnknown
	info.FailureCount = 0
	info.RecoveryAttempts = 0
	info.LastCheck = time.Time{}

	s.mu.Lock()
	if _, ok := s.services[info.Name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceExists, info.Name)
	}
	s.services[info.Name] = &entry{info: info}
	s.mu.Unlock()

	s.setStatus(info.Name, domain.StatusUnknown)
	s.log.Info("Service registered", "service", info.Name, "interval", info.CheckInterval)
	return nil
}

// UnregisterService removes a service.
func (s *Service) UnregisterService(name string) error {
	s.mu.Lock()
	if _, ok := s.services[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	delete(s.services, name)
	s.mu.Unlock()

	s.statusMu.Lock()
	delete(s.statuses, name)
	s.statusMu.Unlock()

	s.monitor.Invalidate(name)
	metrics.ServiceStatus.DeletePartialMatch(map[string]string{"service": name})
	s.log.Info("Service unregistered", "service", name)
	return nil
}

// GetServiceStatus returns the last known status of a service.
func (s *Service) GetServiceStatus(name string) (domain.ServiceStatus, error) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.statuses[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return st, nil
}

// GetService returns a copy of a service's bookkeeping.
func (s *Service) GetService(name string) (domain.ServiceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[name]
	if !ok {
		return domain.ServiceInfo{}, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return e.info, nil
}

// Services returns copies of every registered service, sorted by name.
func (s *Service) Services() []domain.ServiceInfo {
	s.mu.Lock()
	out := make([]domain.ServiceInfo, 0, len(s.services))
	for _, e := range s.services {
		out = append(out, e.info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetRecoveryAttempts re-enables remediation for a service that hit its
// recovery ceiling.
func (s *Service) ResetRecoveryAttempts(name string) error {
	s.mu.Lock()
	e, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	e.info.RecoveryAttempts = 0
	s.mu.Unlock()

	if s.strategies != nil {
		s.strategies.ResetService(name)
	}
	s.log.Info("Recovery attempts reset", "service", name)
	return nil
}

// GetHealthSummary returns a best-effort snapshot. History errors leave the
// recent lists empty.
func (s *Service) GetHealthSummary(ctx context.Context) Summary {
	sum := Summary{GeneratedAt: s.now()}

	s.statusMu.RLock()
	for _, st := range s.statuses {
		sum.Total++
		switch st {
		case domain.StatusHealthy:
			sum.Healthy++
		case domain.StatusDegraded:
			sum.Degraded++
		case domain.StatusFailed:
			sum.Failed++
		case domain.StatusRecovering:
			sum.Recovering++
		default:
			sum.Unknown++
		}
	}
	s.statusMu.RUnlock()

	f := storage.HistoryFilter{Since: sum.GeneratedAt.Add(-s.cfg.RecentWindow), Limit: s.cfg.RecentLimit}
	if p, err := s.history.ListProblems(ctx, f); err == nil {
		sum.RecentProblems = p
	} else {
		s.log.Warn("Failed to load recent problems", "error", err)
	}
	if c, err := s.history.ListCorrections(ctx, f); err == nil {
		sum.RecentCorrections = c
	} else {
		s.log.Warn("Failed to load recent corrections", "error", err)
	}
	if sum.RecentProblems == nil {
		sum.RecentProblems = []domain.ProblemReport{}
	}
	if sum.RecentCorrections == nil {
		sum.RecentCorrections = []domain.HealingResult{}
	}
	return sum
}

// GetProblemHistory returns problem reports, newest first. An empty name
// returns every service's history.
func (s *Service) GetProblemHistory(ctx context.Context, name string) ([]domain.ProblemReport, error) {
	return s.history.ListProblems(ctx, storage.HistoryFilter{Service: name})
}

// GetCorrectionHistory returns healing results, newest first.
func (s *Service) GetCorrectionHistory(ctx context.Context, name string) ([]domain.HealingResult, error) {
	return s.history.ListCorrections(ctx, storage.HistoryFilter{Service: name})
}

func (s *Service) setStatus(name string, st domain.ServiceStatus) {
	s.statusMu.Lock()
	s.statuses[name] = st
	s.statusMu.Unlock()

	for _, v := range []domain.ServiceStatus{domain.StatusHealthy, domain.StatusDegraded, domain.StatusFailed, domain.StatusRecovering, domain.StatusUnknown} {
		val := 0.0
		if v == st {
			val = 1
		}
		metrics.ServiceStatus.WithLabelValues(name, string(v)).Set(val)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// StartMonitoring starts the polling loop and the history cleanup task.
// Calling it while running is a no-op.
func (s *Service) StartMonitoring(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.loop(ctx)
	}()

	if s.cfg.HistoryRetention > 0 {
		pruner := worker.NewPruner(s.cfg.HistoryRetention, s.cfg.CleanupInterval, s.history)
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			pruner.Start(ctx)
		}()
	}

	s.log.Info("Self-healing monitoring started", "interval", s.cfg.CheckInterval, "workers", s.cfg.Workers)
	return nil
}

// StopMonitoring stops the loop and waits for in-flight checks, which end
// within their own timeouts, or until ctx is done.
func (s *Service) StopMonitoring(ctx context.Context) error {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("Self-healing monitoring stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop monitoring: %w", ctx.Err())
	}
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.tick())
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// tick is the shortest registered interval, so no service waits longer
// than its own interval to be checked.
func (s *Service) tick() time.Duration {
	tick := s.cfg.CheckInterval
	s.mu.Lock()
	for _, e := range s.services {
		tick = min(tick, e.info.CheckInterval)
	}
	s.mu.Unlock()
	return max(tick, time.Second)
}

// RunCycle checks every stale service once, with at most Workers checks in
// flight. A failing or panicking check does not affect the others. Checks
// already started run to completion even if ctx is cancelled; each one is
// bounded by its service timeout.
func (s *Service) RunCycle(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	s.mu.Lock()
	names := make([]string, 0, len(s.services))
	for name, e := range s.services {
		if !e.inFlight && s.stale(e.info, now) {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for _, name := range names {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("Service check panicked", "service", name, "panic", r)
				}
			}()
			if _, err := s.CheckService(ctx, name, false); err != nil && !errors.Is(err, ErrServiceNotFound) {
				s.log.Error("Service check failed", "service", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) stale(info domain.ServiceInfo, now time.Time) bool {
	return info.LastCheck.IsZero() || now.Sub(info.LastCheck) >= info.CheckInterval
}

// =============================================================================
// Check and dispatch
// =============================================================================

// CheckService checks one service and dispatches remediation if needed.
// Concurrent callers are coalesced: only the caller that claims the service
// runs the check, the others get the current status. Unless force is set,
// a service checked within its interval is not checked again.
func (s *Service) CheckService(ctx context.Context, name string, force bool) (domain.ServiceStatus, error) {
	now := s.now()

	s.mu.Lock()
	e, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	if e.inFlight || (!force && !s.stale(e.info, now)) {
		st := e.info.Status
		s.mu.Unlock()
		return st, nil
	}
	e.inFlight = true
	prevCheck := e.info.LastCheck
	e.info.LastCheck = now
	info := e.info
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		e.inFlight = false
		s.mu.Unlock()
	}()

	report := s.monitor.CheckService(ctx, info)
	if ctx.Err() != nil {
		// The caller went away; the probes saw a cancelled request, not the service.
		s.mu.Lock()
		e.info.LastCheck = prevCheck
		s.mu.Unlock()
		return info.Status, ctx.Err()
	}
	status := report.Status
	if status == "" {
		status = domain.StatusUnknown
	}

	s.mu.Lock()
	e.info.Status = status
	if status == domain.StatusHealthy {
		e.info.FailureCount = 0
		e.info.LastHealthy = now
	} else {
		e.info.FailureCount++
	}
	info = e.info
	s.mu.Unlock()
	s.setStatus(name, status)

	if status == domain.StatusHealthy {
		return status, nil
	}

	problem := s.report(ctx, info, report)
	s.dispatch(ctx, e, problem)
	return status, nil
}

func (s *Service) report(ctx context.Context, info domain.ServiceInfo, report health.Report) domain.ProblemReport {
	m := report.Metrics()
	maps.Copy(m, s.monitor.CollectMetrics(ctx, info))

	kind, severity, desc := Classify(report.Status, m, info.FailureCount, info.Name, s.cfg.Thresholds)
	problem := domain.ProblemReport{
		ID:          uuid.NewString(),
		ServiceName: info.Name,
		Kind:        kind,
		Severity:    severity,
		Description: desc,
		Timestamp:   s.now(),
		Metrics:     m,
		Context: map[string]string{
			"status":        string(report.Status),
			"failure_count": fmt.Sprint(info.FailureCount),
		},
	}
	for _, c := range report.Checks {
		if c.Message != "" {
			problem.Context[c.Probe] = c.Message
		}
	}

	s.mu.Lock()
	if e, ok := s.services[info.Name]; ok {
		e.info.LastProblem = kind
	}
	s.mu.Unlock()

	if err := s.history.SaveProblem(ctx, problem); err != nil {
		s.log.Error("Failed to save problem report", "service", info.Name, "error", err)
	}
	metrics.ProblemsDetected.WithLabelValues(info.Name, string(kind)).Inc()
	s.log.Warn("Problem detected", "service", info.Name, "kind", kind, "severity", severity, "description", desc)
	_ = s.notifier.Notify(ctx, Event{
		Type:      EventProblem,
		Service:   info.Name,
		Severity:  severity,
		Message:   desc,
		Timestamp: problem.Timestamp,
		Problem:   &problem,
	})
	return problem
}

// dispatch runs the strategy for problem unless the service has reached its
// recovery ceiling. It never returns an error into the loop.
func (s *Service) dispatch(ctx context.Context, e *entry, problem domain.ProblemReport) {
	s.mu.Lock()
	info := e.info
	s.mu.Unlock()

	if info.RecoveryAttempts >= info.MaxRecoveryAttempts {
		metrics.RemediationSkipped.WithLabelValues(info.Name).Inc()
		s.log.Warn("Recovery ceiling reached, skipping remediation",
			"service", info.Name, "attempts", info.RecoveryAttempts, "max", info.MaxRecoveryAttempts)
		_ = s.notifier.Notify(ctx, Event{
			Type:      EventRemediationSkipped,
			Service:   info.Name,
			Severity:  domain.SeverityHigh,
			Message:   fmt.Sprintf("recovery ceiling %d reached, manual reset required", info.MaxRecoveryAttempts),
			Timestamp: s.now(),
			Problem:   &problem,
		})
		return
	}

	if s.strategies == nil {
		return
	}
	st, ok := s.strategies.For(problem.Kind)
	if !ok {
		s.log.Debug("No strategy for problem", "service", info.Name, "kind", problem.Kind)
		return
	}

	release, ok, err := s.lock.Acquire(ctx, info.Name)
	if err != nil {
		s.log.Error("Failed to acquire dispatch lock", "service", info.Name, "error", err)
		return
	}
	if !ok {
		s.log.Debug("Remediation already in progress elsewhere", "service", info.Name)
		return
	}
	defer release()

	s.setStatus(info.Name, domain.StatusRecovering)
	res, ran := s.runStrategy(ctx, st, problem, info)
	s.setStatus(info.Name, info.Status)
	if !ran {
		s.log.Debug("Strategy not attempted", "service", info.Name, "strategy", st.Name())
		return
	}

	s.mu.Lock()
	if res.Success {
		e.info.RecoveryAttempts = 0
	} else {
		e.info.RecoveryAttempts++
	}
	s.mu.Unlock()
	s.monitor.Invalidate(info.Name)

	outcome := "failure"
	severity := domain.SeverityHigh
	if res.Success {
		outcome = "success"
		severity = domain.SeverityLow
	}
	metrics.HealingAttempts.WithLabelValues(info.Name, res.StrategyName, outcome).Inc()
	if err := s.history.SaveCorrection(ctx, res); err != nil {
		s.log.Error("Failed to save healing result", "service", info.Name, "error", err)
	}
	s.log.Info("Healing attempted", "service", info.Name, "strategy", res.StrategyName,
		"success", res.Success, "duration", res.Duration, "message", res.Message)
	_ = s.notifier.Notify(ctx, Event{
		Type:      EventHealing,
		Service:   info.Name,
		Severity:  severity,
		Message:   res.Message,
		Timestamp: res.Timestamp,
		Result:    &res,
	})
}

func (s *Service) runStrategy(ctx context.Context, st strategy.Strategy, problem domain.ProblemReport, info domain.ServiceInfo) (res domain.HealingResult, ran bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Strategy panicked", "service", info.Name, "strategy", st.Name(), "panic", r)
			res = domain.HealingResult{
				ID:           uuid.NewString(),
				StrategyName: st.Name(),
				ServiceName:  info.Name,
				ProblemKind:  problem.Kind,
				Message:      fmt.Sprintf("strategy panicked: %v", r),
				Timestamp:    s.now(),
			}
			ran = true
		}
	}()
	return strategy.Run(ctx, st, problem, info)
}
