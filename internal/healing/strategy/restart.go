package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/healing/health"
)

// Checker verifies a service after it was (re)started.
type Checker interface {
	Check(ctx context.Context, svc domain.ServiceInfo) health.CheckResult
}

// RestartConfig tunes the restart strategy.
type RestartConfig struct {
	Settings      Settings
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
}

// RestartStrategy stops and starts a service through the first launcher
// that is configured for it, then waits for it to become ready.
type RestartStrategy struct {
	*base
	cfg       RestartConfig
	processes health.ProcessTable
	launchers []Launcher
	ready     Checker
	log       *slog.Logger
}

// NewRestartStrategy creates a restart strategy.
func NewRestartStrategy(cfg RestartConfig, processes health.ProcessTable, launchers []Launcher, ready Checker) *RestartStrategy {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = time.Second
	}
	if processes == nil {
		processes = health.HostProcesses{}
	}
	if ready == nil {
		ready = health.NewEndpointProbe(nil, 0)
	}
	return &RestartStrategy{
		base:      newBase(KindRestart, cfg.Settings, nil),
		cfg:       cfg,
		processes: processes,
		launchers: launchers,
		ready:     ready,
		log:       slog.Default(),
	}
}

func (s *RestartStrategy) Apply(ctx context.Context, _ domain.ProblemReport, svc domain.ServiceInfo) (string, error) {
	running := s.isRunning(ctx, svc)

	var errs []error
	for _, l := range s.launchers {
		err := s.restartWith(ctx, l, svc, running)
		if errors.Is(err, ErrLauncherNotConfigured) {
			continue
		}
		if err != nil {
			s.log.Warn("Launcher failed", "service", svc.Name, "launcher", l.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
			continue
		}

		if err := s.waitReady(ctx, svc); err != nil {
			return "", fmt.Errorf("service %s restarted via %s but not ready: %w", svc.Name, l.Name(), err)
		}
		verb := "started"
		if running {
			verb = "restarted"
		}
		return fmt.Sprintf("%s %s via %s", svc.Name, verb, l.Name()), nil
	}

	if len(errs) == 0 {
		return "", fmt.Errorf("no launcher configured for %s: %w", svc.Name, ErrLauncherNotConfigured)
	}
	return "", fmt.Errorf("failed to restart %s: %w", svc.Name, errors.Join(errs...))
}

func (s *RestartStrategy) restartWith(ctx context.Context, l Launcher, svc domain.ServiceInfo, running bool) error {
	if running {
		if err := l.Stop(ctx, svc); err != nil {
			return err
		}
	}
	return l.Start(ctx, svc)
}

func (s *RestartStrategy) isRunning(ctx context.Context, svc domain.ServiceInfo) bool {
	if svc.ProcessName == "" {
		return false
	}
	procs, err := s.processes.Find(ctx, svc.ProcessName)
	if err != nil {
		return false
	}
	for _, p := range procs {
		if p.Running {
			return true
		}
	}
	return false
}

// waitReady polls the health endpoint, or the process table when the
// service has no endpoint, until the service is healthy.
func (s *RestartStrategy) waitReady(ctx context.Context, svc domain.ServiceInfo) error {
	if svc.HealthURL == "" && svc.ProcessName == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ReadyInterval)
	defer ticker.Stop()

	for {
		if s.probeReady(ctx, svc) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness timeout after %s: %w", s.cfg.ReadyTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *RestartStrategy) probeReady(ctx context.Context, svc domain.ServiceInfo) bool {
	if svc.HealthURL != "" {
		return s.ready.Check(ctx, svc).Status == domain.StatusHealthy
	}
	return s.isRunning(ctx, svc)
}
