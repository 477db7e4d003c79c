package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/healing/health"
)

// ErrUnknownStrategy is returned when a strategy kind is not one of the
// built-in kinds.
var ErrUnknownStrategy = errors.New("unknown healing strategy")

// Kind identifies a built-in strategy.
type Kind string

const (
	KindRestart             Kind = "service_restart"
	KindConnectionRecovery  Kind = "connection_recovery"
	KindResourceCleanup     Kind = "resource_cleanup"
	KindConfigurationReload Kind = "configuration_reload"
)

// Kinds lists every built-in kind.
var Kinds = []Kind{KindRestart, KindConnectionRecovery, KindResourceCleanup, KindConfigurationReload}

// ParseKind validates a strategy name from configuration.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// DefaultPlan maps each problem kind to the strategy that handles it.
func DefaultPlan() map[domain.ProblemKind]Kind {
	return map[domain.ProblemKind]Kind{
		domain.ProblemCrash:            KindRestart,
		domain.ProblemConnectionError:  KindConnectionRecovery,
		domain.ProblemTimeout:          KindConnectionRecovery,
		domain.ProblemMemoryExhaustion: KindResourceCleanup,
		domain.ProblemCPUExhaustion:    KindResourceCleanup,
		domain.ProblemDiskExhaustion:   KindResourceCleanup,
		domain.ProblemAPIError:         KindConnectionRecovery,
		domain.ProblemDatabaseError:    KindConnectionRecovery,
		domain.ProblemCacheError:       KindConnectionRecovery,
		domain.ProblemUnknown:          KindConfigurationReload,
	}
}

// Dependencies are the collaborators strategies are built from.
type Dependencies struct {
	Settings     map[Kind]Settings
	Restart      RestartConfig
	Processes    health.ProcessTable
	Launchers    []Launcher
	Ready        Checker
	Reconnectors map[domain.DependencyKind]Reconnector
	Breakers     BreakerResetter
	Cleanup      CleanupConfig
	IdleClosers  []IdleCloser
	Reloaders    []NamedReloader
}

// Factory builds strategies by kind. Each kind is built once, so all
// problem kinds mapped to it share its attempt bookkeeping.
type Factory struct {
	deps Dependencies

	mu    sync.Mutex
	built map[Kind]Strategy
}

func NewFactory(deps Dependencies) *Factory {
	if deps.Launchers == nil {
		deps.Launchers = DefaultLaunchers(nil, nil)
	}
	if deps.Ready == nil {
		deps.Ready = health.NewEndpointProbe(nil, 0)
	}
	return &Factory{deps: deps, built: make(map[Kind]Strategy)}
}

func (f *Factory) settings(k Kind) Settings {
	if s, ok := f.deps.Settings[k]; ok {
		return s
	}
	return DefaultSettings()
}

// New returns the strategy for kind.
func (f *Factory) New(kind Kind) (Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newLocked(kind)
}

func (f *Factory) newLocked(kind Kind) (Strategy, error) {
	if s, ok := f.built[kind]; ok {
		return s, nil
	}

	var s Strategy
	switch kind {
	case KindRestart:
		cfg := f.deps.Restart
		cfg.Settings = f.settings(kind)
		s = NewRestartStrategy(cfg, f.deps.Processes, f.deps.Launchers, f.deps.Ready)
	case KindConnectionRecovery:
		restart, err := f.newLocked(KindRestart)
		if err != nil {
			return nil, err
		}
		s = NewConnectionRecovery(f.settings(kind), f.deps.Reconnectors, restart, f.deps.Breakers)
	case KindResourceCleanup:
		cfg := f.deps.Cleanup
		cfg.Settings = f.settings(kind)
		s = NewResourceCleanup(cfg, f.deps.IdleClosers...)
	case KindConfigurationReload:
		s = NewConfigurationReload(f.settings(kind), f.deps.Reloaders...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, kind)
	}
	f.built[kind] = s
	return s, nil
}

// Registry resolves a problem kind to its strategy.
type Registry struct {
	factory *Factory

	mu         sync.RWMutex
	strategies map[domain.ProblemKind]Strategy
}

func NewRegistry(factory *Factory) *Registry {
	return &Registry{factory: factory, strategies: make(map[domain.ProblemKind]Strategy)}
}

// Register binds problem to the strategy named kind. Unknown names and
// disabled strategies are rejected here rather than at dispatch time.
func (r *Registry) Register(problem domain.ProblemKind, kind string) error {
	k, err := ParseKind(kind)
	if err != nil {
		return err
	}
	if !r.factory.settings(k).Enabled {
		r.mu.Lock()
		delete(r.strategies, problem)
		r.mu.Unlock()
		return nil
	}
	s, err := r.factory.New(k)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.strategies[problem] = s
	r.mu.Unlock()
	return nil
}

// RegisterPlan registers every entry of plan.
func (r *Registry) RegisterPlan(plan map[domain.ProblemKind]Kind) error {
	for problem, kind := range plan {
		if err := r.Register(problem, string(kind)); err != nil {
			return fmt.Errorf("failed to register strategy for %s: %w", problem, err)
		}
	}
	return nil
}

// For returns the strategy registered for problem.
func (r *Registry) For(problem domain.ProblemKind) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[problem]
	return s, ok
}

// ResetService clears attempt bookkeeping for a service on every strategy.
func (r *Registry) ResetService(name string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.strategies {
		s.ResetAttempts(name)
	}
}

// Bindings returns problem kind to strategy name, sorted by problem kind.
func (r *Registry) Bindings() [][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][2]string, 0, len(r.strategies))
	for p, s := range r.strategies {
		out = append(out, [2]string{string(p), s.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
