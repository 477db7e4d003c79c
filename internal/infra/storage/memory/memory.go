package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/infra/storage"
)

const defaultMaxEntries = 1000

// HistoryStore keeps problem and correction history in memory. Each list is
// bounded; the oldest entries are dropped first.
type HistoryStore struct {
	maxEntries  int
	problems    []domain.ProblemReport
	corrections []domain.HealingResult
	mu          sync.RWMutex
}

var _ storage.HistoryRepository = (*HistoryStore)(nil)

func NewHistoryStore(maxEntries int) *HistoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &HistoryStore{maxEntries: maxEntries}
}

// -----------------------------------------------------------------------------
// Problems
// -----------------------------------------------------------------------------

func (s *HistoryStore) SaveProblem(ctx context.Context, p domain.ProblemReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.problems = appendBounded(s.problems, p, s.maxEntries)
	return nil
}

func (s *HistoryStore) ListProblems(ctx context.Context, f storage.HistoryFilter) ([]domain.ProblemReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.problems, f, func(p domain.ProblemReport) (string, time.Time) {
		return p.ServiceName, p.Timestamp
	}), nil
}

// -----------------------------------------------------------------------------
// Corrections
// -----------------------------------------------------------------------------

func (s *HistoryStore) SaveCorrection(ctx context.Context, r domain.HealingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrections = appendBounded(s.corrections, r, s.maxEntries)
	return nil
}

func (s *HistoryStore) ListCorrections(ctx context.Context, f storage.HistoryFilter) ([]domain.HealingResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.corrections, f, func(r domain.HealingResult) (string, time.Time) {
		return r.ServiceName, r.Timestamp
	}), nil
}

// -----------------------------------------------------------------------------
// Retention
// -----------------------------------------------------------------------------

func (s *HistoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	keptP := s.problems[:0]
	for _, p := range s.problems {
		if p.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		keptP = append(keptP, p)
	}
	s.problems = keptP

	keptC := s.corrections[:0]
	for _, r := range s.corrections {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		keptC = append(keptC, r)
	}
	s.corrections = keptC
	return removed, nil
}

func appendBounded[T any](list []T, v T, limit int) []T {
	list = append(list, v)
	if over := len(list) - limit; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	return list
}

func newestFirst[T any](list []T, f storage.HistoryFilter, key func(T) (string, time.Time)) []T {
	out := make([]T, 0)
	for i := len(list) - 1; i >= 0; i-- {
		svc, ts := key(list[i])
		if f.Service != "" && svc != f.Service {
			continue
		}
		if !f.Since.IsZero() && ts.Before(f.Since) {
			continue
		}
		out = append(out, list[i])
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}
