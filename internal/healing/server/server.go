// Package server exposes self-healing state and controls over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/healing/selfheal"
	"github.com/vietddude/guardian/internal/resilience/breaker"
	"github.com/vietddude/guardian/internal/resilience/ratelimit"
)

// Healer is the subset of the self-healing service the server reads and drives.
type Healer interface {
	GetHealthSummary(ctx context.Context) selfheal.Summary
	Services() []domain.ServiceInfo
	GetService(name string) (domain.ServiceInfo, error)
	CheckService(ctx context.Context, name string, force bool) (domain.ServiceStatus, error)
	ResetRecoveryAttempts(name string) error
	GetProblemHistory(ctx context.Context, name string) ([]domain.ProblemReport, error)
	GetCorrectionHistory(ctx context.Context, name string) ([]domain.HealingResult, error)
}

// Breakers lists and resets circuit breakers.
type Breakers interface {
	Snapshots() []breaker.Snapshot
	Reset(name string) bool
	ResetAll()
}

// Limits reports rate limiter statistics.
type Limits interface {
	Endpoints() []string
	Stats(name string) (ratelimit.Stats, bool)
}

// Detailed is the /health/detailed response.
type Detailed struct {
	Status   domain.ServiceStatus `json:"status"`
	Summary  selfheal.Summary     `json:"summary"`
	Services []domain.ServiceInfo `json:"services"`
	Breakers []breaker.Snapshot   `json:"breakers,omitempty"`
	Limits   []ratelimit.Stats    `json:"rate_limits,omitempty"`
}

// Server provides HTTP endpoints for health monitoring and manual recovery.
type Server struct {
	healer   Healer
	breakers Breakers
	limits   Limits
	server   *http.Server
	log      *slog.Logger
}

// NewServer creates a new server. breakers and limits may be nil.
func NewServer(healer Healer, breakers Breakers, limits Limits, port int) *Server {
	s := &Server{
		healer:   healer,
		breakers: breakers,
		limits:   limits,
		log:      slog.Default().With("component", "server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.HandleFunc("GET /services", s.handleServices)
	mux.HandleFunc("GET /services/{name}", s.handleService)
	mux.HandleFunc("POST /services/{name}/check", s.handleCheck)
	mux.HandleFunc("POST /services/{name}/reset", s.handleReset)
	mux.HandleFunc("GET /problems", s.handleProblems)
	mux.HandleFunc("GET /corrections", s.handleCorrections)
	mux.HandleFunc("GET /breakers", s.handleBreakers)
	mux.HandleFunc("POST /breakers/reset", s.handleBreakerReset)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Overall derives the aggregate status: any failed service is failed, any
// degraded or recovering service is degraded.
func Overall(sum selfheal.Summary) domain.ServiceStatus {
	switch {
	case sum.Failed > 0:
		return domain.StatusFailed
	case sum.Degraded > 0 || sum.Recovering > 0:
		return domain.StatusDegraded
	case sum.Total > 0 && sum.Unknown == sum.Total:
		return domain.StatusUnknown
	default:
		return domain.StatusHealthy
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := Overall(s.healer.GetHealthSummary(r.Context()))
	code := http.StatusOK
	if status == domain.StatusFailed {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(status)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	sum := s.healer.GetHealthSummary(r.Context())
	d := Detailed{
		Status:   Overall(sum),
		Summary:  sum,
		Services: s.healer.Services(),
	}
	if s.breakers != nil {
		d.Breakers = s.breakers.Snapshots()
	}
	if s.limits != nil {
		for _, name := range s.limits.Endpoints() {
			if st, ok := s.limits.Stats(name); ok {
				d.Limits = append(d.Limits, st)
			}
		}
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.healer.Services())
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	info, err := s.healer.GetService(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	status, err := s.healer.CheckService(r.Context(), name, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service": name, "status": string(status)})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.healer.ResetRecoveryAttempts(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("Recovery attempts reset via API", "service", name)
	writeJSON(w, http.StatusOK, map[string]string{"service": name, "result": "reset"})
}

func (s *Server) handleProblems(w http.ResponseWriter, r *http.Request) {
	out, err := s.healer.GetProblemHistory(r.Context(), r.URL.Query().Get("service"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if out == nil {
		out = []domain.ProblemReport{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCorrections(w http.ResponseWriter, r *http.Request) {
	out, err := s.healer.GetCorrectionHistory(r.Context(), r.URL.Query().Get("service"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if out == nil {
		out = []domain.HealingResult{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	if s.breakers == nil {
		writeJSON(w, http.StatusOK, []breaker.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.breakers.Snapshots())
}

// handleBreakerReset resets one breaker when ?name= is given, otherwise all.
func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no circuit breakers configured"})
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		s.breakers.ResetAll()
		s.log.Info("All circuit breakers reset via API")
		writeJSON(w, http.StatusOK, map[string]string{"result": "reset", "scope": "all"})
		return
	}
	if !s.breakers.Reset(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "breaker not found: " + name})
		return
	}
	s.log.Info("Circuit breaker reset via API", "breaker", name)
	writeJSON(w, http.StatusOK, map[string]string{"result": "reset", "scope": name})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, selfheal.ErrServiceNotFound) {
		code = http.StatusNotFound
	} else {
		s.log.Error("Request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
