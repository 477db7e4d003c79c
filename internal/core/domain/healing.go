package domain

import "time"

// HealingResult records one remediation attempt.
type HealingResult struct {
	ID           string            `json:"id"`
	Success      bool              `json:"success"`
	StrategyName string            `json:"strategy"`
	ServiceName  string            `json:"service"`
	ProblemKind  ProblemKind       `json:"problem_kind"`
	Duration     time.Duration     `json:"duration"`
	AttemptCount int               `json:"attempt_count"`
	Message      string            `json:"message"`
	Timestamp    time.Time         `json:"timestamp"`
	Details      map[string]string `json:"details,omitempty"`
}
