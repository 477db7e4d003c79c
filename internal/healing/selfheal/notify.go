package selfheal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/guardian/internal/core/domain"
)

// EventType names a notification.
type EventType string

const (
	EventProblem            EventType = "problem_detected"
	EventRemediationSkipped EventType = "remediation_skipped"
	EventHealing            EventType = "healing_attempted"
)

// Event is what notification channels receive.
type Event struct {
	Type      EventType             `json:"type"`
	Service   string                `json:"service"`
	Severity  domain.Severity       `json:"severity"`
	Message   string                `json:"message"`
	Timestamp time.Time             `json:"timestamp"`
	Problem   *domain.ProblemReport `json:"problem,omitempty"`
	Result    *domain.HealingResult `json:"result,omitempty"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Channel is a notifier with a severity floor.
type Channel struct {
	Name        string
	MinSeverity domain.Severity
	Notifier    Notifier
}

// Fanout sends each event to every channel whose floor it meets. Delivery
// errors are logged and never returned to the polling loop.
type Fanout struct {
	channels []Channel
	log      *slog.Logger
}

func NewFanout(channels ...Channel) *Fanout {
	return &Fanout{channels: channels, log: slog.Default()}
}

func (f *Fanout) Notify(ctx context.Context, e Event) error {
	for _, c := range f.channels {
		if e.Severity.Level() < c.MinSeverity.Level() {
			continue
		}
		if err := c.Notifier.Notify(ctx, e); err != nil {
			f.log.Warn("Failed to deliver notification", "channel", c.Name, "event", e.Type, "error", err)
		}
	}
	return nil
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, e Event) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	level := slog.LevelInfo
	switch e.Severity {
	case domain.SeverityCritical:
		level = slog.LevelError
	case domain.SeverityHigh:
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "Self-healing event", "type", e.Type, "service", e.Service, "severity", e.Severity, "message", e.Message)
	return nil
}

// WebhookNotifier POSTs events as JSON, retrying transient failures.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	backoff retry.Backoff
}

func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{
		url:     url,
		client:  client,
		backoff: retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond)),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return retry.Do(ctx, n.backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("webhook request failed: %w", err))
		}
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(fmt.Errorf("webhook returned %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil
	})
}
