package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk and hands each
// successfully parsed version to the registered callbacks.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *slog.Logger

	mu        sync.RWMutex
	current   *AppConfig
	callbacks []func(*AppConfig)
}

// NewWatcher creates a watcher for path seeded with the already loaded cfg.
func NewWatcher(path string, cfg *AppConfig) *Watcher {
	return &Watcher{
		path:     path,
		debounce: 200 * time.Millisecond,
		log:      slog.Default().With("component", "config"),
		current:  cfg,
	}
}

// OnChange registers a callback run after every successful reload.
func (w *Watcher) OnChange(fn func(*AppConfig)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *AppConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload re-reads the file. On a parse failure the previous configuration
// stays in effect.
func (w *Watcher) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg, err := Load(w.path)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := append([]func(*AppConfig){}, w.callbacks...)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	w.log.Info("Configuration reloaded", "path", w.path)
	return nil
}

// Start watches the file's directory until ctx is cancelled. Editors often
// replace files by rename, so the directory is watched instead of the file.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	go w.loop(ctx, fw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()

	target := filepath.Clean(w.path)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("Config watcher error", "error", err)
		case <-timer.C:
			if err := w.Reload(ctx); err != nil {
				w.log.Error("Config reload failed, keeping previous", "error", err)
			}
		}
	}
}
