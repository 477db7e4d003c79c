package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/guardian/internal/infra/storage"
)

// Pruner deletes problem and correction history past the retention window.
type Pruner struct {
	retention time.Duration
	interval  time.Duration
	history   storage.HistoryRepository
	now       func() time.Time
}

// NewPruner creates a new Pruner worker. A zero interval derives one from
// the retention window.
func NewPruner(retention, interval time.Duration, history storage.HistoryRepository) *Pruner {
	if interval <= 0 {
		// 10% of retention, clamped to [1m, 1h]
		interval = min(retention/10, 1*time.Hour)
		interval = max(interval, 1*time.Minute)
	}
	return &Pruner{
		retention: retention,
		interval:  interval,
		history:   history,
		now:       time.Now,
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one retention pass and returns the number of deleted entries.
func (p *Pruner) Prune(ctx context.Context) int64 {
	cutoff := p.now().Add(-p.retention)
	n, err := p.history.DeleteBefore(ctx, cutoff)
	if err != nil {
		slog.Error("[Pruner] failed to prune history", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		slog.Debug("[Pruner] pruned history", "deleted", n, "cutoff", cutoff)
	}
	return n
}
