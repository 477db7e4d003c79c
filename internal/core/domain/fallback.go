package domain

import (
	"encoding/json"
	"time"
)

// CacheLevel identifies a fallback cache tier. Lower levels are probed first.
type CacheLevel int

const (
	CacheMemory CacheLevel = iota + 1
	CacheRedis
	CacheFile
)

func (l CacheLevel) String() string {
	switch l {
	case CacheMemory:
		return "memory"
	case CacheRedis:
		return "redis"
	case CacheFile:
		return "file"
	default:
		return "unknown"
	}
}

// ParseCacheLevel maps a config name to a level.
func ParseCacheLevel(s string) (CacheLevel, bool) {
	switch s {
	case "memory":
		return CacheMemory, true
	case "redis":
		return CacheRedis, true
	case "file", "local_file":
		return CacheFile, true
	default:
		return 0, false
	}
}

// CacheEntry is a cached value with its absolute expiry.
type CacheEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expires_at"`
	Level     CacheLevel      `json:"level"`
}

// Expired reports whether the entry is past its expiry at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// CompensationTask is a deferred operation to replay once its endpoint recovers.
type CompensationTask struct {
	ID        string          `json:"id"`
	Endpoint  string          `json:"endpoint"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  int             `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"` // zero means never
	Seq       uint64          `json:"seq"`
}

// Expired reports whether the task is past its expiry at now.
func (t CompensationTask) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}
