package storage

import (
	"context"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
)

// HistoryFilter narrows a history query. Zero values match everything.
type HistoryFilter struct {
	Service string
	Since   time.Time
	Limit   int
}

// ProblemRepository stores problem reports.
type ProblemRepository interface {
	// SaveProblem appends a problem report
	SaveProblem(ctx context.Context, p domain.ProblemReport) error

	// ListProblems returns reports, newest first
	ListProblems(ctx context.Context, f HistoryFilter) ([]domain.ProblemReport, error)
}

// CorrectionRepository stores healing results.
type CorrectionRepository interface {
	// SaveCorrection appends a healing result
	SaveCorrection(ctx context.Context, r domain.HealingResult) error

	// ListCorrections returns results, newest first
	ListCorrections(ctx context.Context, f HistoryFilter) ([]domain.HealingResult, error)
}

// HistoryRepository is the audit store for the self-healing loop.
type HistoryRepository interface {
	ProblemRepository
	CorrectionRepository

	// DeleteBefore removes problems and corrections older than cutoff
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
