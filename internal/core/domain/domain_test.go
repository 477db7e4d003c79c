package domain

import "testing"

func TestWorst(t *testing.T) {
	tests := []struct {
		a, b, want ServiceStatus
	}{
		{StatusHealthy, StatusDegraded, StatusDegraded},
		{StatusFailed, StatusDegraded, StatusFailed},
		{"", StatusHealthy, StatusHealthy},
		{StatusUnknown, "", StatusUnknown},
		{StatusRecovering, StatusHealthy, StatusRecovering},
	}
	for _, tt := range tests {
		if got := Worst(tt.a, tt.b); got != tt.want {
			t.Errorf("Worst(%q, %q): expected %q, got %q", tt.a, tt.b, tt.want, got)
		}
	}
}

func TestDependencyOf(t *testing.T) {
	tests := map[string]DependencyKind{
		"orders-postgres": DependencyDatabase,
		"session-redis":   DependencyCache,
		"payments-api":    DependencyAPI,
		"worker":          DependencyGeneric,
	}
	for name, want := range tests {
		if got := DependencyOf(name); got != want {
			t.Errorf("%s: expected %s, got %s", name, want, got)
		}
	}
}

func TestDependencyOf_DBToken(t *testing.T) {
	if got := DependencyOf("user-db"); got != DependencyDatabase {
		t.Errorf("expected database, got %s", got)
	}
	if got := DependencyOf("feedback"); got != DependencyGeneric {
		t.Errorf("expected generic, got %s", got)
	}
}
