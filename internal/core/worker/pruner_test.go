package worker

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/infra/storage"
	"github.com/vietddude/guardian/internal/infra/storage/memory"
)

func TestPruner_DeletesPastRetention(t *testing.T) {
	ctx := context.Background()
	store := memory.NewHistoryStore(0)
	now := time.Unix(100000, 0)

	_ = store.SaveProblem(ctx, domain.ProblemReport{ID: "old", Timestamp: now.Add(-3 * time.Hour)})
	_ = store.SaveProblem(ctx, domain.ProblemReport{ID: "new", Timestamp: now.Add(-time.Minute)})

	p := NewPruner(time.Hour, 0, store)
	p.now = func() time.Time { return now }

	if n := p.Prune(ctx); n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
	left, _ := store.ListProblems(ctx, storage.HistoryFilter{})
	if len(left) != 1 || left[0].ID != "new" {
		t.Errorf("expected only new entry, got %+v", left)
	}
}

func TestNewPruner_DerivedInterval(t *testing.T) {
	if p := NewPruner(time.Minute, 0, nil); p.interval != time.Minute {
		t.Errorf("expected 1m floor, got %s", p.interval)
	}
	if p := NewPruner(72*time.Hour, 0, nil); p.interval != time.Hour {
		t.Errorf("expected 1h cap, got %s", p.interval)
	}
}

func TestPruner_DisabledRetentionReturns(t *testing.T) {
	p := NewPruner(0, time.Minute, nil)
	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Start to return when retention is disabled")
	}
}
