package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 300 * time.Millisecond

// Watch monitors the config file and calls onChange with the freshly loaded
// config whenever it is rewritten. Editors and atomic saves produce bursts of
// events, so changes are debounced. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = ExpandHome(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: rename-based saves replace the
	// inode and a file watch would go stale after the first write.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var (
		mu            sync.Mutex
		debounceTimer *time.Timer
		pending       bool
	)

	doReload := func() {
		mu.Lock()
		pending = false
		mu.Unlock()

		cfg, err := Load(path)
		if err != nil {
			slog.Warn("config.reload_failed", "path", path, "error", err)
			return
		}
		slog.Info("config.reloaded", "path", path, "hash", cfg.Hash())
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			mu.Unlock()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			mu.Lock()
			if !pending {
				pending = true
				debounceTimer = time.AfterFunc(watchDebounce, doReload)
			} else {
				debounceTimer.Reset(watchDebounce)
			}
			mu.Unlock()

		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
