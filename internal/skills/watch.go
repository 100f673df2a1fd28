package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long WatchDir waits after the last filesystem
// event before rescanning.
const DefaultDebounce = 250 * time.Millisecond

type watchConfig struct {
	debounce time.Duration
	activate bool
}

// WatchOption configures WatchDir.
type WatchOption func(*watchConfig)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatchOption {
	return func(c *watchConfig) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithAutoActivate activates mods as soon as WatchDir loads them.
func WithAutoActivate() WatchOption {
	return func(c *watchConfig) {
		c.activate = true
	}
}

// WatchDir watches root for new mod directories and loads each one once
// its manifest appears. Directories already loaded are left alone. It
// blocks until ctx is done.
func (m *Manager) WatchDir(ctx context.Context, root string, opts ...WatchOption) error {
	cfg := watchConfig{debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&cfg)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch mods: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(root); err != nil {
		return fmt.Errorf("watch mods %s: %w", root, err)
	}
	// Subdirectories are watched too so a manifest written after its
	// directory was created still triggers a rescan.
	if entries, err := os.ReadDir(root); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(root, e.Name()))
			}
		}
	}

	m.rescan(ctx, root, cfg.activate)

	rescan := make(chan struct{}, 1)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						m.logger.Warn("mod watch add failed", "dir", event.Name, "error", err)
					}
				}
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(cfg.debounce, func() {
				select {
				case rescan <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Error("mod watcher error", "dir", root, "error", err)
		case <-rescan:
			m.rescan(ctx, root, cfg.activate)
		}
	}
}

// rescan loads every mod directory under root that is not loaded yet.
func (m *Manager) rescan(ctx context.Context, root string, activate bool) {
	dirs, err := FindModDirs(root)
	if err != nil {
		m.logger.Error("mod rescan failed", "dir", root, "error", err)
		return
	}
	for _, dir := range dirs {
		if m.loadedFrom(dir) {
			continue
		}
		mod, err := m.LoadDir(dir)
		if err != nil {
			m.logger.Warn("mod load failed", "dir", dir, "error", err)
			continue
		}
		if !activate {
			continue
		}
		if err := m.ActivateMod(ctx, mod.ID()); err != nil {
			m.logger.Error("mod activate failed", "mod_id", mod.ID(), "error", err)
		}
	}
}

func (m *Manager) loadedFrom(dir string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.mods {
		if e.mod.Dir == dir {
			return true
		}
	}
	return false
}
