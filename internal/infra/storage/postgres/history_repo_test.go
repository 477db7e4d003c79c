package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/infra/storage"
)

func TestFilterClause(t *testing.T) {
	since := time.Unix(100, 0)
	where, args := filterClause(storage.HistoryFilter{Service: "api", Since: since})
	if where != " WHERE service_name = $1 AND created_at >= $2" {
		t.Errorf("unexpected clause %q", where)
	}
	if len(args) != 2 || args[0] != "api" {
		t.Errorf("unexpected args %v", args)
	}

	if where, args := filterClause(storage.HistoryFilter{}); where != "" || args != nil {
		t.Errorf("expected empty clause, got %q %v", where, args)
	}
	if got := limitClause(storage.HistoryFilter{Limit: 5}); got != " LIMIT 5" {
		t.Errorf("unexpected limit %q", got)
	}
}

func TestRowMapping(t *testing.T) {
	p := domain.ProblemReport{
		ID: "p1", ServiceName: "api", Kind: domain.ProblemTimeout, Severity: domain.SeverityHigh,
		Metrics: map[string]float64{"timeout": 1}, Context: map[string]string{"status": "failed"},
		Timestamp: time.Unix(100, 0),
	}
	row, err := toProblemRow(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back := row.toDomain()
	if back.Kind != p.Kind || back.Metrics["timeout"] != 1 || back.Context["status"] != "failed" {
		t.Errorf("unexpected mapping: %+v", back)
	}

	r := domain.HealingResult{ID: "r1", Duration: 1500 * time.Millisecond, StrategyName: "service_restart"}
	crow, err := toCorrectionRow(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(crow.Details) != "{}" || crow.DurationMS != 1500 {
		t.Errorf("unexpected row: %+v", crow)
	}
}

func TestHistoryRepo_Live(t *testing.T) {
	url := os.Getenv("GUARDIAN_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping live Postgres test. Set GUARDIAN_TEST_DATABASE_URL to run.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := NewDB(ctx, Config{URL: url})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	_, _ = db.ExecContext(ctx, "TRUNCATE problem_reports, healing_results")

	repo := NewHistoryRepo(db)
	now := time.Now().UTC().Truncate(time.Millisecond)
	_ = repo.SaveProblem(ctx, domain.ProblemReport{ID: "old", ServiceName: "api", Kind: domain.ProblemCrash, Severity: domain.SeverityCritical, Timestamp: now.Add(-2 * time.Hour)})
	_ = repo.SaveProblem(ctx, domain.ProblemReport{ID: "new", ServiceName: "api", Kind: domain.ProblemTimeout, Severity: domain.SeverityHigh, Timestamp: now})
	_ = repo.SaveCorrection(ctx, domain.HealingResult{ID: "c1", ServiceName: "api", StrategyName: "service_restart", Timestamp: now})

	problems, err := repo.ListProblems(ctx, storage.HistoryFilter{Service: "api"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(problems) != 2 || problems[0].ID != "new" {
		t.Errorf("expected newest first, got %+v", problems)
	}

	n, err := repo.DeleteBefore(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
}
