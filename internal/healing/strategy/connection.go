package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/guardian/internal/core/domain"
)

// ErrCoolingDown is returned when a delegated strategy has no attempts left
// or is inside its cooldown window.
var ErrCoolingDown = errors.New("strategy exhausted or cooling down")

// Reconnector re-establishes the connection pool for one dependency type.
type Reconnector interface {
	Reconnect(ctx context.Context, svc domain.ServiceInfo) error
}

// BreakerResetter resets the circuit breaker guarding a dependency.
type BreakerResetter interface {
	Reset(name string) bool
}

// ConnectionRecovery rebuilds the connection to a dependency, picking the
// reconnector by the dependency type derived from the service name.
type ConnectionRecovery struct {
	*base
	reconnectors map[domain.DependencyKind]Reconnector
	restart      Strategy
	breakers     BreakerResetter
	log          *slog.Logger
}

// NewConnectionRecovery creates a connection recovery strategy. Generic
// dependencies are handed to restart.
func NewConnectionRecovery(settings Settings, reconnectors map[domain.DependencyKind]Reconnector, restart Strategy, breakers BreakerResetter) *ConnectionRecovery {
	if reconnectors == nil {
		reconnectors = make(map[domain.DependencyKind]Reconnector)
	}
	return &ConnectionRecovery{
		base:         newBase(KindConnectionRecovery, settings, nil),
		reconnectors: reconnectors,
		restart:      restart,
		breakers:     breakers,
		log:          slog.Default(),
	}
}

func (s *ConnectionRecovery) Apply(ctx context.Context, problem domain.ProblemReport, svc domain.ServiceInfo) (string, error) {
	kind := domain.DependencyOf(svc.Name)
	r, ok := s.reconnectors[kind]
	if kind == domain.DependencyGeneric || !ok {
		if s.restart == nil {
			return "", fmt.Errorf("no reconnector for %s dependency %s", kind, svc.Name)
		}
		return s.delegate(ctx, problem, svc)
	}

	if err := r.Reconnect(ctx, svc); err != nil {
		return "", fmt.Errorf("failed to reconnect %s dependency %s: %w", kind, svc.Name, err)
	}
	if s.breakers != nil {
		s.breakers.Reset(svc.Name)
	}
	return fmt.Sprintf("%s connection to %s re-established", kind, svc.Name), nil
}

// delegate applies the restart strategy under its own attempt and cooldown
// bookkeeping, the same way Run would.
func (s *ConnectionRecovery) delegate(ctx context.Context, problem domain.ProblemReport, svc domain.ServiceInfo) (string, error) {
	if !s.restart.CanAttempt(svc.Name) {
		return "", fmt.Errorf("%w: %s for %s", ErrCoolingDown, s.restart.Name(), svc.Name)
	}
	s.log.Info("Delegating connection recovery to restart", "service", svc.Name)
	msg, err := s.restart.Apply(ctx, problem, svc)
	s.restart.RecordAttempt(svc.Name)
	if err != nil {
		return "", err
	}
	s.restart.ResetAttempts(svc.Name)
	return msg, nil
}

// =============================================================================
// Database
// =============================================================================

// SQLReconnector keeps one database pool per service and replaces it on
// reconnect.
type SQLReconnector struct {
	driver string

	mu    sync.Mutex
	pools map[string]*sqlx.DB
}

// NewSQLReconnector creates a database reconnector. driver is "pgx" or
// "postgres"; empty selects "pgx".
func NewSQLReconnector(driver string) *SQLReconnector {
	if driver == "" {
		driver = "pgx"
	}
	return &SQLReconnector{driver: driver, pools: make(map[string]*sqlx.DB)}
}

func (r *SQLReconnector) Reconnect(ctx context.Context, svc domain.ServiceInfo) error {
	if svc.Endpoint == "" {
		return errors.New("database endpoint not configured")
	}
	db, err := sqlx.ConnectContext(ctx, r.driver, svc.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	r.mu.Lock()
	old := r.pools[svc.Name]
	r.pools[svc.Name] = db
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// DB returns the current pool for a service.
func (r *SQLReconnector) DB(name string) (*sqlx.DB, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	db, ok := r.pools[name]
	return db, ok
}

// Close closes every pool.
func (r *SQLReconnector) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, db := range r.pools {
		errs = append(errs, db.Close())
		delete(r.pools, name)
	}
	return errors.Join(errs...)
}

// =============================================================================
// Cache
// =============================================================================

// RedisReconnector keeps one client per service and replaces it on reconnect.
type RedisReconnector struct {
	mu      sync.Mutex
	clients map[string]*redis.Client
}

func NewRedisReconnector() *RedisReconnector {
	return &RedisReconnector{clients: make(map[string]*redis.Client)}
}

func (r *RedisReconnector) Reconnect(ctx context.Context, svc domain.ServiceInfo) error {
	if svc.Endpoint == "" {
		return errors.New("cache endpoint not configured")
	}
	addr := svc.Endpoint
	if !strings.Contains(addr, "://") {
		addr = "redis://" + addr
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	r.mu.Lock()
	old := r.clients[svc.Name]
	r.clients[svc.Name] = client
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Client returns the current client for a service.
func (r *RedisReconnector) Client(name string) (*redis.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[name]
	return c, ok
}

func (r *RedisReconnector) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, c := range r.clients {
		errs = append(errs, c.Close())
		delete(r.clients, name)
	}
	return errors.Join(errs...)
}

// =============================================================================
// API
// =============================================================================

// APIReconnector drops idle HTTP connections and verifies the health
// endpoint answers again.
type APIReconnector struct {
	client *http.Client
	probe  Checker
}

func NewAPIReconnector(client *http.Client, probe Checker) *APIReconnector {
	return &APIReconnector{client: client, probe: probe}
}

func (r *APIReconnector) Reconnect(ctx context.Context, svc domain.ServiceInfo) error {
	if r.client != nil {
		r.client.CloseIdleConnections()
	}
	if svc.HealthURL == "" || r.probe == nil {
		return nil
	}
	res := r.probe.Check(ctx, svc)
	if res.Status == domain.StatusFailed {
		return fmt.Errorf("api still unreachable: %s", res.Message)
	}
	return nil
}
