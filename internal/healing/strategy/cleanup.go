package strategy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
)

// IdleCloser releases idle network connections.
type IdleCloser interface {
	CloseIdleConnections()
}

// CleanupConfig tunes the resource cleanup strategy.
type CleanupConfig struct {
	Settings  Settings
	Dirs      []string
	Retention time.Duration
}

// ResourceCleanup frees memory, removes old temp and log files and drops
// idle sockets. It succeeds if any of these freed something.
type ResourceCleanup struct {
	*base
	cfg     CleanupConfig
	closers []IdleCloser
	now     func() time.Time
}

func NewResourceCleanup(cfg CleanupConfig, closers ...IdleCloser) *ResourceCleanup {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &ResourceCleanup{
		base:    newBase(KindResourceCleanup, cfg.Settings, nil),
		cfg:     cfg,
		closers: closers,
		now:     time.Now,
	}
}

func (s *ResourceCleanup) Apply(ctx context.Context, _ domain.ProblemReport, svc domain.ServiceInfo) (string, error) {
	var done []string
	var errs []error

	if freed := s.collectGarbage(); freed > 0 {
		done = append(done, fmt.Sprintf("freed %d bytes", freed))
	}

	removed, err := s.removeOldFiles(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if removed > 0 {
		done = append(done, fmt.Sprintf("removed %d files", removed))
	}

	if len(s.closers) > 0 {
		for _, c := range s.closers {
			c.CloseIdleConnections()
		}
		done = append(done, fmt.Sprintf("closed idle connections on %d clients", len(s.closers)))
	}

	if len(done) == 0 {
		if len(errs) > 0 {
			return "", fmt.Errorf("cleanup for %s failed: %w", svc.Name, errors.Join(errs...))
		}
		return "", fmt.Errorf("cleanup for %s found nothing to release", svc.Name)
	}
	return strings.Join(done, "; "), nil
}

func (s *ResourceCleanup) collectGarbage() uint64 {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)
	if after.HeapAlloc >= before.HeapAlloc {
		return 0
	}
	return before.HeapAlloc - after.HeapAlloc
}

// removeOldFiles deletes regular files older than the retention window.
// Subdirectories are walked but never removed.
func (s *ResourceCleanup) removeOldFiles(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Retention)
	removed := 0
	var errs []error

	for _, dir := range s.cfg.Dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(path); err == nil {
					removed++
				}
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to clean %s: %w", dir, err))
		}
	}
	return removed, errors.Join(errs...)
}
