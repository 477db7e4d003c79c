package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CircuitBreakerState tracks breaker state per name (0=closed, 1=half_open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardian_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerTransitions counts breaker state changes
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// ErrorsClassified counts handled errors by kind and severity
	ErrorsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_errors_total",
			Help: "Total number of classified errors",
		},
		[]string{"kind", "severity"},
	)

	// RateLimitDecisions counts admission decisions per endpoint
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_rate_limit_decisions_total",
			Help: "Total number of rate limiter admission decisions",
		},
		[]string{"endpoint", "decision"},
	)

	// RateLimitFactor tracks the adaptive rate factor per endpoint
	RateLimitFactor = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardian_rate_limit_factor",
			Help: "Current adaptive rate factor",
		},
		[]string{"endpoint"},
	)

	// FallbackCacheLookups counts cache lookups per level and result
	FallbackCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_fallback_cache_lookups_total",
			Help: "Total number of fallback cache lookups",
		},
		[]string{"level", "result"},
	)

	// FallbackActivations counts strategy activations per endpoint
	FallbackActivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_fallback_activations_total",
			Help: "Total number of fallback strategy activations",
		},
		[]string{"endpoint", "outcome"},
	)

	// CompensationQueueDepth tracks pending compensation tasks
	CompensationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardian_compensation_queue_depth",
			Help: "Number of pending compensation tasks",
		},
	)

	// ServiceStatus tracks the last observed status per service (1 for the active status)
	ServiceStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardian_service_status",
			Help: "Last observed service status",
		},
		[]string{"service", "status"},
	)

	// HealthCheckDuration tracks how long a full service check takes
	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guardian_health_check_duration_seconds",
			Help:    "Service health check latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// ProblemsDetected counts problem reports per service and kind
	ProblemsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_problems_detected_total",
			Help: "Total number of detected problems",
		},
		[]string{"service", "kind"},
	)

	// HealingAttempts counts remediation attempts per strategy and result
	HealingAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_healing_attempts_total",
			Help: "Total number of remediation attempts",
		},
		[]string{"service", "strategy", "result"},
	)

	// RemediationSkipped counts remediations skipped at the recovery ceiling
	RemediationSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_remediation_skipped_total",
			Help: "Total number of remediations skipped due to the recovery attempt ceiling",
		},
		[]string{"service"},
	)

	// DBConnectionPoolUsage tracks history database pool usage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardian_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
