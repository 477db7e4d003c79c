package fallback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vietddude/guardian/internal/core/domain"
)

// Tier is one cache level.
type Tier interface {
	Level() domain.CacheLevel
	Get(ctx context.Context, key string) (domain.CacheEntry, bool, error)
	Set(ctx context.Context, entry domain.CacheEntry) error
	Delete(ctx context.Context, key string) error
}

// MemoryTier is a bounded LRU with per-entry expiry.
type MemoryTier struct {
	cache *lru.Cache[string, domain.CacheEntry]
	now   func() time.Time
}

// NewMemoryTier creates an LRU tier holding at most size entries.
func NewMemoryTier(size int, now func() time.Time) (*MemoryTier, error) {
	if size <= 0 {
		size = 1000
	}
	if now == nil {
		now = time.Now
	}
	cache, err := lru.New[string, domain.CacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &MemoryTier{cache: cache, now: now}, nil
}

func (t *MemoryTier) Level() domain.CacheLevel { return domain.CacheMemory }

func (t *MemoryTier) Get(_ context.Context, key string) (domain.CacheEntry, bool, error) {
	e, ok := t.cache.Get(key)
	if !ok {
		return domain.CacheEntry{}, false, nil
	}
	if e.Expired(t.now()) {
		t.cache.Remove(key)
		return domain.CacheEntry{}, false, nil
	}
	return e, true, nil
}

func (t *MemoryTier) Set(_ context.Context, entry domain.CacheEntry) error {
	entry.Level = domain.CacheMemory
	t.cache.Add(entry.Key, entry)
	return nil
}

func (t *MemoryTier) Delete(_ context.Context, key string) error {
	t.cache.Remove(key)
	return nil
}

// Len returns the number of resident entries, expired ones included.
func (t *MemoryTier) Len() int { return t.cache.Len() }

// FileTier stores one JSON document per key under a directory. It holds at
// most maxEntries files; when a write goes past the cap, expired entries are
// swept first and then the least recently written ones.
type FileTier struct {
	dir        string
	maxEntries int
	now        func() time.Time

	mu    sync.Mutex
	count int
}

// NewFileTier creates dir if needed. maxEntries <= 0 selects 10000.
func NewFileTier(dir string, maxEntries int, now func() time.Time) (*FileTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	if now == nil {
		now = time.Now
	}
	t := &FileTier{dir: dir, maxEntries: maxEntries, now: now}
	files, err := t.files()
	if err != nil {
		return nil, err
	}
	t.count = len(files)
	return t, nil
}

func (t *FileTier) Level() domain.CacheLevel { return domain.CacheFile }

func (t *FileTier) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(t.dir, hex.EncodeToString(sum[:])+".json")
}

func (t *FileTier) Get(_ context.Context, key string) (domain.CacheEntry, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("failed to read cache file: %w", err)
	}

	var e domain.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		t.remove(t.path(key))
		return domain.CacheEntry{}, false, fmt.Errorf("failed to decode cache file: %w", err)
	}
	if e.Key != key {
		return domain.CacheEntry{}, false, nil
	}
	if e.Expired(t.now()) {
		t.remove(t.path(key))
		return domain.CacheEntry{}, false, nil
	}
	return e, true, nil
}

func (t *FileTier) Set(_ context.Context, entry domain.CacheEntry) error {
	entry.Level = domain.CacheFile
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tmp, err := os.CreateTemp(t.dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	target := t.path(entry.Key)
	_, statErr := os.Stat(target)
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit cache file: %w", err)
	}
	if errors.Is(statErr, fs.ErrNotExist) {
		t.count++
	}
	if t.count > t.maxEntries {
		if _, err := t.sweep(); err != nil {
			return err
		}
	}
	return nil
}

// Sweep removes expired and unreadable entries, then the oldest ones beyond
// the size cap. It returns the number of files removed.
func (t *FileTier) Sweep(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweep()
}

type cacheFile struct {
	path    string
	modTime time.Time
}

func (t *FileTier) files() ([]cacheFile, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache dir: %w", err)
	}
	out := make([]cacheFile, 0, len(entries))
	for _, d := range entries {
		if !d.Type().IsRegular() || filepath.Ext(d.Name()) != ".json" {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		out = append(out, cacheFile{path: filepath.Join(t.dir, d.Name()), modTime: info.ModTime()})
	}
	return out, nil
}

func (t *FileTier) sweep() (int, error) {
	files, err := t.files()
	if err != nil {
		return 0, err
	}

	now := t.now()
	removed := 0
	live := files[:0]
	for _, f := range files {
		data, err := os.ReadFile(f.path)
		var e domain.CacheEntry
		if err != nil || json.Unmarshal(data, &e) != nil || e.Expired(now) {
			if os.Remove(f.path) == nil {
				removed++
			}
			continue
		}
		live = append(live, f)
	}

	if over := len(live) - t.maxEntries; over > 0 {
		slices.SortFunc(live, func(a, b cacheFile) int { return a.modTime.Compare(b.modTime) })
		for _, f := range live[:over] {
			if os.Remove(f.path) == nil {
				removed++
			}
		}
		live = live[over:]
	}
	t.count = len(live)
	return removed, nil
}

func (t *FileTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := os.Remove(t.path(key))
	if err == nil {
		t.count--
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}
	return nil
}

func (t *FileTier) remove(path string) {
	if os.Remove(path) == nil {
		t.count--
	}
}
