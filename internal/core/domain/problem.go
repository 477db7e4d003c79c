package domain

import "time"

// ProblemKind classifies what went wrong with a service.
type ProblemKind string

const (
	ProblemCrash            ProblemKind = "crash"
	ProblemConnectionError  ProblemKind = "connection_error"
	ProblemTimeout          ProblemKind = "timeout"
	ProblemMemoryExhaustion ProblemKind = "memory_exhaustion"
	ProblemCPUExhaustion    ProblemKind = "cpu_exhaustion"
	ProblemDiskExhaustion   ProblemKind = "disk_exhaustion"
	ProblemAPIError         ProblemKind = "api_error"
	ProblemDatabaseError    ProblemKind = "database_error"
	ProblemCacheError       ProblemKind = "cache_error"
	ProblemUnknown          ProblemKind = "unknown"
)

// ProblemKinds lists every known problem kind.
var ProblemKinds = []ProblemKind{
	ProblemCrash, ProblemConnectionError, ProblemTimeout,
	ProblemMemoryExhaustion, ProblemCPUExhaustion, ProblemDiskExhaustion,
	ProblemAPIError, ProblemDatabaseError, ProblemCacheError, ProblemUnknown,
}

// Severity grades both classified errors and problem reports.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Level returns an ordinal for comparisons. Unknown severities rank lowest.
func (s Severity) Level() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ProblemReport is an immutable record of a detected problem.
type ProblemReport struct {
	ID          string             `json:"id"          db:"id"`
	ServiceName string             `json:"service"     db:"service_name"`
	Kind        ProblemKind        `json:"kind"        db:"kind"`
	Severity    Severity           `json:"severity"    db:"severity"`
	Description string             `json:"description" db:"description"`
	Timestamp   time.Time          `json:"timestamp"   db:"created_at"`
	Metrics     map[string]float64 `json:"metrics,omitempty" db:"-"`
	Context     map[string]string  `json:"context,omitempty" db:"-"`
}
