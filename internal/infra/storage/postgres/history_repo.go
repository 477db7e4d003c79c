package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/infra/storage"
)

// HistoryRepo implements storage.HistoryRepository.
type HistoryRepo struct {
	db *DB
}

var _ storage.HistoryRepository = (*HistoryRepo)(nil)

// NewHistoryRepo creates a new HistoryRepo.
func NewHistoryRepo(db *DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

type problemRow struct {
	ID          string    `db:"id"`
	ServiceName string    `db:"service_name"`
	Kind        string    `db:"kind"`
	Severity    string    `db:"severity"`
	Description string    `db:"description"`
	Metrics     []byte    `db:"metrics"`
	Context     []byte    `db:"context"`
	CreatedAt   time.Time `db:"created_at"`
}

type correctionRow struct {
	ID           string    `db:"id"`
	ServiceName  string    `db:"service_name"`
	Strategy     string    `db:"strategy"`
	ProblemKind  string    `db:"problem_kind"`
	Success      bool      `db:"success"`
	DurationMS   int64     `db:"duration_ms"`
	AttemptCount int       `db:"attempt_count"`
	Message      string    `db:"message"`
	Details      []byte    `db:"details"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r *HistoryRepo) SaveProblem(ctx context.Context, p domain.ProblemReport) error {
	row, err := toProblemRow(p)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO problem_reports (id, service_name, kind, severity, description, metrics, context, created_at)
		VALUES (:id, :service_name, :kind, :severity, :description, :metrics, :context, :created_at)
		ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return fmt.Errorf("failed to save problem report: %w", err)
	}
	return nil
}

func (r *HistoryRepo) ListProblems(ctx context.Context, f storage.HistoryFilter) ([]domain.ProblemReport, error) {
	where, args := filterClause(f)
	query := `SELECT id, service_name, kind, severity, description, metrics, context, created_at
		FROM problem_reports` + where + ` ORDER BY created_at DESC` + limitClause(f)

	var rows []problemRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list problem reports: %w", err)
	}
	out := make([]domain.ProblemReport, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *HistoryRepo) SaveCorrection(ctx context.Context, res domain.HealingResult) error {
	row, err := toCorrectionRow(res)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO healing_results (id, service_name, strategy, problem_kind, success, duration_ms, attempt_count, message, details, created_at)
		VALUES (:id, :service_name, :strategy, :problem_kind, :success, :duration_ms, :attempt_count, :message, :details, :created_at)
		ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return fmt.Errorf("failed to save healing result: %w", err)
	}
	return nil
}

func (r *HistoryRepo) ListCorrections(ctx context.Context, f storage.HistoryFilter) ([]domain.HealingResult, error) {
	where, args := filterClause(f)
	query := `SELECT id, service_name, strategy, problem_kind, success, duration_ms, attempt_count, message, details, created_at
		FROM healing_results` + where + ` ORDER BY created_at DESC` + limitClause(f)

	var rows []correctionRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list healing results: %w", err)
	}
	out := make([]domain.HealingResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *HistoryRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, table := range []string{"problem_reports", "healing_results"} {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < $1", cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return total, nil
}

func filterClause(f storage.HistoryFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Service != "" {
		args = append(args, f.Service)
		conds = append(conds, fmt.Sprintf("service_name = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func limitClause(f storage.HistoryFilter) string {
	if f.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", f.Limit)
}

func toProblemRow(p domain.ProblemReport) (problemRow, error) {
	m, err := marshalMap(p.Metrics)
	if err != nil {
		return problemRow{}, err
	}
	c, err := marshalMap(p.Context)
	if err != nil {
		return problemRow{}, err
	}
	return problemRow{
		ID:          p.ID,
		ServiceName: p.ServiceName,
		Kind:        string(p.Kind),
		Severity:    string(p.Severity),
		Description: p.Description,
		Metrics:     m,
		Context:     c,
		CreatedAt:   p.Timestamp,
	}, nil
}

func (row problemRow) toDomain() domain.ProblemReport {
	p := domain.ProblemReport{
		ID:          row.ID,
		ServiceName: row.ServiceName,
		Kind:        domain.ProblemKind(row.Kind),
		Severity:    domain.Severity(row.Severity),
		Description: row.Description,
		Timestamp:   row.CreatedAt,
	}
	_ = json.Unmarshal(row.Metrics, &p.Metrics)
	_ = json.Unmarshal(row.Context, &p.Context)
	return p
}

func toCorrectionRow(r domain.HealingResult) (correctionRow, error) {
	d, err := marshalMap(r.Details)
	if err != nil {
		return correctionRow{}, err
	}
	return correctionRow{
		ID:           r.ID,
		ServiceName:  r.ServiceName,
		Strategy:     r.StrategyName,
		ProblemKind:  string(r.ProblemKind),
		Success:      r.Success,
		DurationMS:   r.Duration.Milliseconds(),
		AttemptCount: r.AttemptCount,
		Message:      r.Message,
		Details:      d,
		CreatedAt:    r.Timestamp,
	}, nil
}

func (row correctionRow) toDomain() domain.HealingResult {
	r := domain.HealingResult{
		ID:           row.ID,
		Success:      row.Success,
		StrategyName: row.Strategy,
		ServiceName:  row.ServiceName,
		ProblemKind:  domain.ProblemKind(row.ProblemKind),
		Duration:     time.Duration(row.DurationMS) * time.Millisecond,
		AttemptCount: row.AttemptCount,
		Message:      row.Message,
		Timestamp:    row.CreatedAt,
	}
	_ = json.Unmarshal(row.Details, &r.Details)
	return r
}

func marshalMap[V any](m map[string]V) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return b, nil
}
