package errhandler

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/vietddude/guardian/internal/core/domain"
	"github.com/vietddude/guardian/internal/resilience/breaker"
)

// Kind is the error taxonomy.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindAPILimit   Kind = "api_limit"
	KindValidation Kind = "validation"
	KindProcessing Kind = "processing"
	KindStorage    Kind = "storage"
	KindUnknown    Kind = "unknown"
)

// Classification is the (kind, severity) pair assigned to an error.
type Classification struct {
	Kind     Kind            `json:"kind"`
	Severity domain.Severity `json:"severity"`
}

// Rule maps message keywords to a classification. Rules are tried in order.
type Rule struct {
	Kind     Kind            `yaml:"kind"`
	Severity domain.Severity `yaml:"severity"`
	Patterns []string        `yaml:"patterns"`
}

// DefaultRules returns the built-in keyword vocabularies.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: KindProcessing, Severity: domain.SeverityCritical, Patterns: []string{"out of memory", "cannot allocate memory"}},
		{Kind: KindStorage, Severity: domain.SeverityCritical, Patterns: []string{"no space left", "disk full", "corrupt"}},
		{Kind: KindTimeout, Severity: domain.SeverityMedium, Patterns: []string{"timeout", "timed out", "deadline exceeded"}},
		{Kind: KindAPILimit, Severity: domain.SeverityMedium, Patterns: []string{"rate limit", "too many requests", "429", "quota"}},
		{Kind: KindNetwork, Severity: domain.SeverityMedium, Patterns: []string{
			"connection refused", "connection reset", "no such host", "broken pipe",
			"network", "unreachable", "eof",
		}},
		{Kind: KindValidation, Severity: domain.SeverityLow, Patterns: []string{"invalid", "validation", "malformed", "bad request", "400"}},
		{Kind: KindStorage, Severity: domain.SeverityHigh, Patterns: []string{"database", "sql", "redis", "storage", "deadlock"}},
		{Kind: KindProcessing, Severity: domain.SeverityMedium, Patterns: []string{"parse", "decode", "unmarshal", "processing"}},
	}
}

// Classifier assigns a Classification to errors. Typed errors are matched
// first, then keyword rules on the lowercased message. Best-effort only.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier. Empty rules select DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	normalized := make([]Rule, 0, len(rules))
	for _, r := range rules {
		p := make([]string, 0, len(r.Patterns))
		for _, s := range r.Patterns {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				p = append(p, s)
			}
		}
		if r.Severity == "" {
			r.Severity = domain.SeverityMedium
		}
		r.Patterns = p
		normalized = append(normalized, r)
	}
	return &Classifier{rules: normalized}
}

// Classify returns the classification for err.
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown, Severity: domain.SeverityLow}
	}
	if cl, ok := classifyTyped(err); ok {
		return cl
	}

	msg := strings.ToLower(err.Error())
	for _, r := range c.rules {
		for _, p := range r.Patterns {
			if strings.Contains(msg, p) {
				return Classification{Kind: r.Kind, Severity: r.Severity}
			}
		}
	}
	return Classification{Kind: KindUnknown, Severity: domain.SeverityMedium}
}

func classifyTyped(err error) (Classification, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{KindTimeout, domain.SeverityMedium}, true
	case errors.Is(err, context.Canceled):
		return Classification{KindProcessing, domain.SeverityLow}, true
	case errors.Is(err, breaker.ErrCircuitOpen):
		return Classification{KindNetwork, domain.SeverityMedium}, true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code), true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code)), true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{KindTimeout, domain.SeverityMedium}, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Classification{KindNetwork, domain.SeverityMedium}, true
	}
	return Classification{}, false
}

// classifySQLState maps a Postgres SQLSTATE to a classification.
func classifySQLState(code string) Classification {
	class := code
	if len(code) >= 2 {
		class = code[:2]
	}
	switch class {
	case "08": // connection exception
		return Classification{KindNetwork, domain.SeverityHigh}
	case "53", "58", "XX": // insufficient resources, system error, internal error
		return Classification{KindStorage, domain.SeverityCritical}
	case "22", "23", "42": // data exception, integrity violation, syntax
		return Classification{KindValidation, domain.SeverityLow}
	case "57": // operator intervention, includes query_canceled
		return Classification{KindTimeout, domain.SeverityMedium}
	default:
		return Classification{KindStorage, domain.SeverityHigh}
	}
}
