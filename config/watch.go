package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow coalesces the bursts of write events editors and atomic
// renames produce into a single reload.
const debounceWindow = 200 * time.Millisecond

// Watch reloads the store whenever its config file changes on disk. It
// watches the parent directory because atomic writers replace the file by
// rename, which drops a watch on the file itself. The store ignores its own
// persisted writes by content comparison. Watch blocks until ctx is done.
func Watch(ctx context.Context, store *Store, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(store.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	var debounce *time.Timer
	reload := func() {
		if err := store.Reload(); err != nil {
			logger.Warn("config reload rejected, keeping active snapshot", zap.Error(err))
		}
	}

	target := filepath.Clean(store.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
