package memory

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/infra/storage"
)

func TestHistoryStore_BoundedNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewHistoryStore(3)
	base := time.Unix(1000, 0)

	for i := 0; i < 5; i++ {
		_ = s.SaveProblem(ctx, domain.ProblemReport{ID: string(rune('a' + i)), ServiceName: "api", Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	got, _ := s.ListProblems(ctx, storage.HistoryFilter{})
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].ID != "e" || got[2].ID != "c" {
		t.Errorf("expected e..c newest first, got %s..%s", got[0].ID, got[2].ID)
	}
}

func TestHistoryStore_FilterByService(t *testing.T) {
	ctx := context.Background()
	s := NewHistoryStore(0)
	_ = s.SaveCorrection(ctx, domain.HealingResult{ServiceName: "api", Timestamp: time.Now()})
	_ = s.SaveCorrection(ctx, domain.HealingResult{ServiceName: "db", Timestamp: time.Now()})

	got, _ := s.ListCorrections(ctx, storage.HistoryFilter{Service: "db"})
	if len(got) != 1 || got[0].ServiceName != "db" {
		t.Errorf("expected only db, got %+v", got)
	}
}

func TestHistoryStore_DeleteBefore(t *testing.T) {
	ctx := context.Background()
	s := NewHistoryStore(0)
	now := time.Now()
	_ = s.SaveProblem(ctx, domain.ProblemReport{Timestamp: now.Add(-2 * time.Hour)})
	_ = s.SaveProblem(ctx, domain.ProblemReport{Timestamp: now})
	_ = s.SaveCorrection(ctx, domain.HealingResult{Timestamp: now.Add(-2 * time.Hour)})

	n, err := s.DeleteBefore(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	p, _ := s.ListProblems(ctx, storage.HistoryFilter{})
	if len(p) != 1 {
		t.Errorf("expected 1 problem left, got %d", len(p))
	}
}
