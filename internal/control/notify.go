package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/healing/selfheal"
	"github.com/vietddude/guardian/internal/resilience/guard"
	"github.com/vietddude/guardian/internal/resilience/outcome"
)

const notifyOperation = "notify"

// guardedNotifier delivers through the guard. A denied or failed delivery may
// be queued by the endpoint's fallback strategy; that counts as handled.
type guardedNotifier struct {
	guard    *guard.Guard
	endpoint string
	next     selfheal.Notifier
}

func (n *guardedNotifier) Notify(ctx context.Context, e selfheal.Event) error {
	o := guard.Do(ctx, n.guard, guard.Call{
		Endpoint:  n.endpoint,
		Operation: notifyOperation,
		Payload:   e,
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, n.next.Notify(ctx, e)
	})

	if o.Degraded && o.Kind == outcome.KindDenied {
		slog.Debug("Notification queued for replay", "endpoint", n.endpoint, "task", o.TaskID)
		return nil
	}
	_, err := o.Unwrap()
	return err
}

// replayer drains queued notifications once their receivers recover.
type replayer struct {
	guard    *guard.Guard
	targets  map[string]selfheal.Notifier
	interval time.Duration
	batch    int
	log      *slog.Logger
}

func newReplayer(g *guard.Guard, targets map[string]selfheal.Notifier, interval time.Duration) *replayer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &replayer{
		guard:    g,
		targets:  targets,
		interval: interval,
		batch:    50,
		log:      slog.Default().With("component", "replayer"),
	}
}

// Start runs the replay loop until ctx is cancelled.
func (r *replayer) Start(ctx context.Context) {
	if len(r.targets) == 0 || r.guard.Fallback == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReplayOnce(ctx)
		}
	}
}

// ReplayOnce redelivers one batch. Tasks whose breaker is still open or whose
// delivery fails are requeued.
func (r *replayer) ReplayOnce(ctx context.Context) int {
	n, err := r.guard.Fallback.Replay(ctx, r.batch, r.deliver)
	if err != nil {
		r.log.Error("Compensation replay failed", "error", err)
	}
	if n > 0 {
		r.log.Info("Replayed queued notifications", "count", n)
	}
	return n
}

func (r *replayer) deliver(ctx context.Context, task domain.CompensationTask) error {
	target, ok := r.targets[task.Endpoint]
	if !ok || task.Operation != notifyOperation {
		return fmt.Errorf("no replay target for %s/%s", task.Endpoint, task.Operation)
	}

	var e selfheal.Event
	if err := json.Unmarshal(task.Payload, &e); err != nil {
		r.log.Warn("Dropping undecodable notification", "task", task.ID, "error", err)
		return nil
	}

	send := func(ctx context.Context) error { return target.Notify(ctx, e) }
	if cb, ok := r.guard.Errors.Breakers().Get(task.Endpoint); ok {
		return cb.Execute(ctx, send)
	}
	return send(ctx)
}
