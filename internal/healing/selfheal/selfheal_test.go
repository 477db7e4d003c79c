package selfheal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/healing/health"
	"github.com/vietddude/guardian/internal/healing/strategy"
)

// =============================================================================
// Mocks
// =============================================================================

type fakeMonitor struct {
	mu       sync.Mutex
	statuses map[string]domain.ServiceStatus
	metrics  map[string]float64
	panicOn  string
	delay    time.Duration
	checks   int
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{statuses: make(map[string]domain.ServiceStatus)}
}

func (m *fakeMonitor) set(name string, st domain.ServiceStatus) {
	m.mu.Lock()
	m.statuses[name] = st
	m.mu.Unlock()
}

func (m *fakeMonitor) CheckService(_ context.Context, svc domain.ServiceInfo) health.Report {
	if svc.Name == m.panicOn {
		panic("probe exploded")
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	return health.Report{Service: svc.Name, Status: m.statuses[svc.Name]}
}

func (m *fakeMonitor) CollectMetrics(context.Context, domain.ServiceInfo) map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.metrics))
	for k, v := range m.metrics {
		out[k] = v
	}
	return out
}

func (m *fakeMonitor) Invalidate(string) {}

// countingStrategy never runs out of attempts.
type countingStrategy struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	calls int
	kinds []domain.ProblemKind
}

func (s *countingStrategy) Name() string { return "counting" }
func (s *countingStrategy) Kind() strategy.Kind { return strategy.KindRestart }
func (s *countingStrategy) CanAttempt(string) bool { return true }
func (s *countingStrategy) RecordAttempt(string) {}
func (s *countingStrategy) ResetAttempts(string) {}
func (s *countingStrategy) Attempts(string) int { return 0 }

func (s *countingStrategy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *countingStrategy) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *countingStrategy) lastKind() domain.ProblemKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kinds[len(s.kinds)-1]
}

func (s *countingStrategy) Apply(_ context.Context, p domain.ProblemReport, _ domain.ServiceInfo) (string, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.kinds = append(s.kinds, p.Kind)
	if s.err != nil {
		return "", s.err
	}
	return "fixed", nil
}

type fakeStrategies struct {
	s      strategy.Strategy
	resets []string
}

func (f *fakeStrategies) For(domain.ProblemKind) (strategy.Strategy, bool) { return f.s, f.s != nil }
func (f *fakeStrategies) ResetService(name string) { f.resets = append(f.resets, name) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietNotifier() Option {
	return WithNotifier(NewFanout())
}

// =============================================================================
// Tests
// =============================================================================

func TestRegisterService_Duplicate(t *testing.T) {
	s := NewService(Config{}, newFakeMonitor(), nil, quietNotifier())
	if err := s.RegisterService(domain.ServiceInfo{Name: "api"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RegisterService(domain.ServiceInfo{Name: "api"}); !errors.Is(err, ErrServiceExists) {
		t.Errorf("expected ErrServiceExists, got %v", err)
	}
	if st, _ := s.GetServiceStatus("api"); st != domain.StatusUnknown {
		t.Errorf("expected unknown before first check, got %s", st)
	}
	if err := s.UnregisterService("api"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.UnregisterService("api"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
	if _, err := s.GetServiceStatus("api"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestCheckService_HealthyResetsFailures(t *testing.T) {
	mon := newFakeMonitor()
	strat := &countingStrategy{err: errors.New("no")}
	s := NewService(Config{}, mon, &fakeStrategies{s: strat}, quietNotifier())
	_ = s.RegisterService(domain.ServiceInfo{Name: "api"})

	mon.set("api", domain.StatusFailed)
	_, _ = s.CheckService(context.Background(), "api", true)
	info, _ := s.GetService("api")
	if info.FailureCount != 1 {
		t.Errorf("expected 1 failure, got %d", info.FailureCount)
	}

	mon.set("api", domain.StatusHealthy)
	st, _ := s.CheckService(context.Background(), "api", true)
	if st != domain.StatusHealthy {
		t.Errorf("expected healthy, got %s", st)
	}
	info, _ = s.GetService("api")
	if info.FailureCount != 0 {
		t.Errorf("expected failures reset, got %d", info.FailureCount)
	}
	if info.LastHealthy.IsZero() {
		t.Error("expected LastHealthy to be set")
	}
	if strat.count() != 1 {
		t.Errorf("expected no dispatch when healthy, got %d calls", strat.count())
	}
}

func TestCheckService_RecoveryCeilingSkipsRemediation(t *testing.T) {
	ctx := context.Background()
	mon := newFakeMonitor()
	strat := &countingStrategy{err: errors.New("still down")}
	s := NewService(Config{MaxRecoveryAttempts: 3}, mon, &fakeStrategies{s: strat}, quietNotifier())
	_ = s.RegisterService(domain.ServiceInfo{Name: "api"})
	mon.set("api", domain.StatusFailed)

	for i := 1; i <= 4; i++ {
		st, err := s.CheckService(ctx, "api", true)
		if err != nil {
			t.Fatalf("check %d: unexpected error: %v", i, err)
		}
		if st != domain.StatusFailed {
			t.Errorf("check %d: expected failed, got %s", i, st)
		}
	}

	if strat.count() != 3 {
		t.Errorf("expected 3 remediation attempts, got %d", strat.count())
	}
	corrections, _ := s.GetCorrectionHistory(ctx, "api")
	if len(corrections) != 3 {
		t.Errorf("expected 3 healing results, got %d", len(corrections))
	}
	problems, _ := s.GetProblemHistory(ctx, "api")
	if len(problems) != 4 {
		t.Errorf("expected detection to continue, got %d problems", len(problems))
	}
	if st, _ := s.GetServiceStatus("api"); st != domain.StatusFailed {
		t.Errorf("expected status reporting to continue, got %s", st)
	}

	strats := s.strategies.(*fakeStrategies)
	if err := s.ResetRecoveryAttempts("api"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(strats.resets) != 1 {
		t.Errorf("expected strategy bookkeeping reset, got %v", strats.resets)
	}
	_, _ = s.CheckService(ctx, "api", true)
	if strat.count() != 4 {
		t.Errorf("expected remediation after manual reset, got %d", strat.count())
	}
}

func TestCheckService_SuccessResetsRecoveryAttempts(t *testing.T) {
	mon := newFakeMonitor()
	strat := &countingStrategy{err: errors.New("no")}
	s := NewService(Config{MaxRecoveryAttempts: 2}, mon, &fakeStrategies{s: strat}, quietNotifier())
	_ = s.RegisterService(domain.ServiceInfo{Name: "api"})
	mon.set("api", domain.StatusFailed)

	_, _ = s.CheckService(context.Background(), "api", true)
	strat.setErr(nil)
	_, _ = s.CheckService(context.Background(), "api", true)

	info, _ := s.GetService("api")
	if info.RecoveryAttempts != 0 {
		t.Errorf("expected recovery attempts reset after success, got %d", info.RecoveryAttempts)
	}
}

func TestScenario_UnavailableThenHealthy(t *testing.T) {
	ctx := context.Background()
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	mon := health.NewMonitor(health.MonitorConfig{}, health.NewEndpointProbe(srv.Client(), time.Second))
	mon.SetClock(clock.Now)

	strat := &countingStrategy{err: errors.New("restart failed")}
	s := NewService(Config{MaxRecoveryAttempts: 5}, mon, &fakeStrategies{s: strat}, quietNotifier(), WithClock(clock.Now))
	_ = s.RegisterService(domain.ServiceInfo{Name: "api", HealthURL: srv.URL, CheckInterval: 5 * time.Second})

	var seq []domain.ServiceStatus
	for i := 0; i < 5; i++ {
		up.Store(i >= 3)
		st, err := s.CheckService(ctx, "api", false)
		if err != nil {
			t.Fatalf("cycle %d: unexpected error: %v", i, err)
		}
		seq = append(seq, st)
		clock.Advance(31 * time.Second)
	}

	want := []domain.ServiceStatus{domain.StatusFailed, domain.StatusFailed, domain.StatusFailed, domain.StatusHealthy, domain.StatusHealthy}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seq)
		}
	}
	if strat.count() != 3 {
		t.Errorf("expected 3 remediation attempts, got %d", strat.count())
	}
	corrections, _ := s.GetCorrectionHistory(ctx, "api")
	if len(corrections) != 3 {
		t.Errorf("expected one healing result per attempt, got %d", len(corrections))
	}
	if strat.lastKind() != domain.ProblemCrash {
		t.Errorf("expected third consecutive failure classified as crash, got %s", strat.lastKind())
	}
}

func TestCheckService_ConcurrentPollersDispatchOnce(t *testing.T) {
	mon := newFakeMonitor()
	mon.delay = 10 * time.Millisecond
	strat := &countingStrategy{err: errors.New("no"), delay: 20 * time.Millisecond}
	s := NewService(Config{}, mon, &fakeStrategies{s: strat}, quietNotifier())
	_ = s.RegisterService(domain.ServiceInfo{Name: "api"})
	mon.set("api", domain.StatusFailed)

	const pollers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _ = s.CheckService(context.Background(), "api", false)
		}()
	}
	close(start)
	wg.Wait()

	if got := strat.count(); got != 1 {
		t.Errorf("expected exactly 1 dispatch, got %d", got)
	}
}

func TestRunCycle_IsolatesPanics(t *testing.T) {
	mon := newFakeMonitor()
	mon.panicOn = "bad"
	mon.set("good", domain.StatusHealthy)
	s := NewService(Config{Workers: 2}, mon, nil, quietNotifier())
	_ = s.RegisterService(domain.ServiceInfo{Name: "bad"})
	_ = s.RegisterService(domain.ServiceInfo{Name: "good"})

	s.RunCycle(context.Background())

	if st, _ := s.GetServiceStatus("good"); st != domain.StatusHealthy {
		t.Errorf("expected good to be checked, got %s", st)
	}
	// the panicking check releases its claim
	s.mu.Lock()
	inFlight := s.services["bad"].inFlight
	s.mu.Unlock()
	if inFlight {
		t.Error("expected in-flight flag cleared after panic")
	}
}

func TestRunCycle_SkipsFreshServices(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	mon := newFakeMonitor()
	mon.set("api", domain.StatusHealthy)
	s := NewService(Config{}, mon, nil, quietNotifier(), WithClock(clock.Now))
	_ = s.RegisterService(domain.ServiceInfo{Name: "api", CheckInterval: 10 * time.Second})

	s.RunCycle(context.Background())
	s.RunCycle(context.Background())
	if mon.checks != 1 {
		t.Errorf("expected one check within interval, got %d", mon.checks)
	}
	clock.Advance(10 * time.Second)
	s.RunCycle(context.Background())
	if mon.checks != 2 {
		t.Errorf("expected a second check after interval, got %d", mon.checks)
	}
}

func TestGetHealthSummary(t *testing.T) {
	ctx := context.Background()
	mon := newFakeMonitor()
	mon.set("a", domain.StatusHealthy)
	mon.set("b", domain.StatusDegraded)
	mon.set("c", domain.StatusFailed)
	s := NewService(Config{}, mon, nil, quietNotifier())
	for _, n := range []string{"a", "b", "c", "d"} {
		_ = s.RegisterService(domain.ServiceInfo{Name: n})
	}
	for _, n := range []string{"a", "b", "c"} {
		_, _ = s.CheckService(ctx, n, true)
	}

	sum := s.GetHealthSummary(ctx)
	if sum.Total != 4 || sum.Healthy != 1 || sum.Degraded != 1 || sum.Failed != 1 || sum.Unknown != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if len(sum.RecentProblems) != 2 {
		t.Errorf("expected 2 recent problems, got %d", len(sum.RecentProblems))
	}
	if sum.RecentCorrections == nil {
		t.Error("expected empty, non-nil corrections")
	}
}

func TestStartStopMonitoring(t *testing.T) {
	mon := newFakeMonitor()
	mon.set("api", domain.StatusHealthy)
	s := NewService(Config{}, mon, nil, quietNotifier())
	_ = s.RegisterService(domain.ServiceInfo{Name: "api"})

	if err := s.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = s.StartMonitoring(context.Background())

	deadline := time.Now().Add(time.Second)
	for {
		if st, _ := s.GetServiceStatus("api"); st == domain.StatusHealthy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected first cycle to run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.StopMonitoring(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.StopMonitoring(ctx); err != nil {
		t.Errorf("second stop should be a no-op, got %v", err)
	}
}

func TestStopMonitoring_LetsInFlightCheckFinish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mon := health.NewMonitor(health.MonitorConfig{}, health.NewEndpointProbe(srv.Client(), 0))
	st := &countingStrategy{}
	s := NewService(Config{}, mon, &fakeStrategies{s: st}, quietNotifier())
	_ = s.RegisterService(domain.ServiceInfo{Name: "api", HealthURL: srv.URL, Timeout: 5 * time.Second})

	if err := s.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.StopMonitoring(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if status, _ := s.GetServiceStatus("api"); status != domain.StatusHealthy {
		t.Errorf("expected in-flight check to finish as healthy, got %s", status)
	}
	problems, _ := s.GetProblemHistory(context.Background(), "api")
	if len(problems) != 0 {
		t.Errorf("expected no problems, got %d", len(problems))
	}
	if st.count() != 0 {
		t.Errorf("expected no dispatch, got %d", st.count())
	}
}

func TestCheckService_CancelledCallerRecordsNothing(t *testing.T) {
	mon := newFakeMonitor()
	mon.set("api", domain.StatusFailed)
	st := &countingStrategy{}
	s := NewService(Config{}, mon, &fakeStrategies{s: st}, quietNotifier())
	_ = s.RegisterService(domain.ServiceInfo{Name: "api"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.CheckService(ctx, "api", true); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	info, _ := s.GetService("api")
	if info.FailureCount != 0 {
		t.Errorf("expected failure count 0, got %d", info.FailureCount)
	}
	if !info.LastCheck.IsZero() {
		t.Errorf("expected last check to be restored, got %v", info.LastCheck)
	}
	if st.count() != 0 {
		t.Errorf("expected no dispatch, got %d", st.count())
	}
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name     string
		status   domain.ServiceStatus
		metrics  map[string]float64
		failures int
		svc      string
		want     domain.ProblemKind
	}{
		{"memory", domain.StatusDegraded, map[string]float64{health.MetricMemoryPercent: 93}, 1, "api", domain.ProblemMemoryExhaustion},
		{"cpu", domain.StatusDegraded, map[string]float64{health.MetricCPUPercent: 91}, 1, "api", domain.ProblemCPUExhaustion},
		{"disk", domain.StatusFailed, map[string]float64{health.MetricDiskPercent: 96}, 1, "api", domain.ProblemDiskExhaustion},
		{"process down", domain.StatusFailed, map[string]float64{health.MetricProcessRunning: 0}, 1, "api", domain.ProblemCrash},
		{"repeated failure", domain.StatusFailed, nil, 3, "api", domain.ProblemCrash},
		{"timeout", domain.StatusFailed, map[string]float64{health.MetricTimeout: 1}, 1, "api", domain.ProblemTimeout},
		{"failed", domain.StatusFailed, nil, 1, "api", domain.ProblemConnectionError},
		{"degraded db", domain.StatusDegraded, nil, 1, "orders-postgres", domain.ProblemDatabaseError},
		{"degraded cache", domain.StatusDegraded, nil, 1, "session-redis", domain.ProblemCacheError},
		{"degraded api", domain.StatusDegraded, nil, 1, "billing", domain.ProblemAPIError},
		{"unknown", domain.StatusUnknown, nil, 1, "api", domain.ProblemUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, _ := Classify(tt.status, tt.metrics, tt.failures, tt.svc, th)
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestFanout_MinSeverityAndWebhook(t *testing.T) {
	var got []Event
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		_ = json.NewDecoder(r.Body).Decode(&e)
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}))
	defer srv.Close()

	f := NewFanout(Channel{Name: "webhook", MinSeverity: domain.SeverityHigh, Notifier: NewWebhookNotifier(srv.URL, srv.Client())})
	_ = f.Notify(context.Background(), Event{Type: EventProblem, Service: "api", Severity: domain.SeverityLow})
	_ = f.Notify(context.Background(), Event{Type: EventProblem, Service: "api", Severity: domain.SeverityCritical})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Severity != domain.SeverityCritical {
		t.Errorf("expected only the critical event, got %+v", got)
	}
}

func TestLocalLock(t *testing.T) {
	l := NewLocalLock()
	release, ok, _ := l.Acquire(context.Background(), "api")
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok, _ := l.Acquire(context.Background(), "api"); ok {
		t.Error("expected second acquire to fail")
	}
	release()
	if _, ok, _ := l.Acquire(context.Background(), "api"); !ok {
		t.Error("expected acquire after release")
	}
}
