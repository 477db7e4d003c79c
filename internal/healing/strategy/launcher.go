package strategy

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/vietddude/guardian/internal/core/domain"
)

// ErrLauncherNotConfigured means the service has no settings for a launcher.
var ErrLauncherNotConfigured = errors.New("launcher not configured for service")

// Runner executes external commands.
type Runner interface {
	// Run executes a command to completion and returns its combined output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Spawn starts a long-running process in dir and returns its pid.
	Spawn(ctx context.Context, dir, name string, args ...string) (int, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s failed: %w: %s", name, err, out)
	}
	return out, nil
}

func (ExecRunner) Spawn(_ context.Context, dir, name string, args ...string) (int, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to spawn %s: %w", name, err)
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// Launcher starts and stops a service through one mechanism.
type Launcher interface {
	Name() string
	Start(ctx context.Context, svc domain.ServiceInfo) error
	Stop(ctx context.Context, svc domain.ServiceInfo) error
}

// DefaultLaunchers returns the launchers in the order they are tried.
func DefaultLaunchers(units UnitManager, runner Runner) []Launcher {
	if runner == nil {
		runner = ExecRunner{}
	}
	if units == nil {
		units = DBusUnits{}
	}
	return []Launcher{
		&SystemdLauncher{units: units},
		&ContainerLauncher{runner: runner, binary: "docker"},
		&ProcessLauncher{runner: runner},
		&ScriptLauncher{runner: runner},
	}
}

// =============================================================================
// systemd
// =============================================================================

// UnitManager controls systemd units.
type UnitManager interface {
	StartUnit(ctx context.Context, name string) error
	StopUnit(ctx context.Context, name string) error
}

// DBusUnits talks to systemd over the system bus.
type DBusUnits struct{}

func (DBusUnits) StartUnit(ctx context.Context, name string) error {
	return withUnit(ctx, name, func(conn *dbus.Conn, ch chan<- string) (int, error) {
		return conn.StartUnitContext(ctx, name, "replace", ch)
	})
}

func (DBusUnits) StopUnit(ctx context.Context, name string) error {
	return withUnit(ctx, name, func(conn *dbus.Conn, ch chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, name, "replace", ch)
	})
}

func withUnit(ctx context.Context, name string, op func(*dbus.Conn, chan<- string) (int, error)) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	ch := make(chan string, 1)
	if _, err := op(conn, ch); err != nil {
		return fmt.Errorf("systemd job for %s failed: %w", name, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("systemd job for %s finished with %q", name, result)
		}
		return nil
	}
}

// SystemdLauncher restarts services that declare a unit.
type SystemdLauncher struct {
	units UnitManager
}

func (l *SystemdLauncher) Name() string { return "systemd" }

func (l *SystemdLauncher) Start(ctx context.Context, svc domain.ServiceInfo) error {
	if svc.Launch.Unit == "" {
		return ErrLauncherNotConfigured
	}
	return l.units.StartUnit(ctx, svc.Launch.Unit)
}

func (l *SystemdLauncher) Stop(ctx context.Context, svc domain.ServiceInfo) error {
	if svc.Launch.Unit == "" {
		return ErrLauncherNotConfigured
	}
	return l.units.StopUnit(ctx, svc.Launch.Unit)
}

// =============================================================================
// Container runtime
// =============================================================================

// ContainerLauncher drives a container runtime CLI.
type ContainerLauncher struct {
	runner Runner
	binary string
}

func (l *ContainerLauncher) Name() string { return "container" }

func (l *ContainerLauncher) Start(ctx context.Context, svc domain.ServiceInfo) error {
	if svc.Launch.Container == "" {
		return ErrLauncherNotConfigured
	}
	_, err := l.runner.Run(ctx, l.binary, "start", svc.Launch.Container)
	return err
}

func (l *ContainerLauncher) Stop(ctx context.Context, svc domain.ServiceInfo) error {
	if svc.Launch.Container == "" {
		return ErrLauncherNotConfigured
	}
	_, err := l.runner.Run(ctx, l.binary, "stop", svc.Launch.Container)
	return err
}

// =============================================================================
// Direct process
// =============================================================================

// ProcessLauncher spawns the configured command directly.
type ProcessLauncher struct {
	runner Runner
}

func (l *ProcessLauncher) Name() string { return "process" }

func (l *ProcessLauncher) Start(ctx context.Context, svc domain.ServiceInfo) error {
	if len(svc.Launch.Command) == 0 {
		return ErrLauncherNotConfigured
	}
	_, err := l.runner.Spawn(ctx, svc.Launch.WorkDir, svc.Launch.Command[0], svc.Launch.Command[1:]...)
	return err
}

func (l *ProcessLauncher) Stop(ctx context.Context, svc domain.ServiceInfo) error {
	if len(svc.Launch.Command) == 0 || svc.ProcessName == "" {
		return ErrLauncherNotConfigured
	}
	_, err := l.runner.Run(ctx, "pkill", "-x", svc.ProcessName)
	return err
}

// =============================================================================
// Shell script
// =============================================================================

// ScriptLauncher calls a service script with start or stop.
type ScriptLauncher struct {
	runner Runner
}

func (l *ScriptLauncher) Name() string { return "script" }

func (l *ScriptLauncher) Start(ctx context.Context, svc domain.ServiceInfo) error {
	if svc.Launch.Script == "" {
		return ErrLauncherNotConfigured
	}
	_, err := l.runner.Run(ctx, "/bin/sh", svc.Launch.Script, "start")
	return err
}

func (l *ScriptLauncher) Stop(ctx context.Context, svc domain.ServiceInfo) error {
	if svc.Launch.Script == "" {
		return ErrLauncherNotConfigured
	}
	_, err := l.runner.Run(ctx, "/bin/sh", svc.Launch.Script, "stop")
	return err
}
