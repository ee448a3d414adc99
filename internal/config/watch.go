package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"livetutor/arbiter/internal/logger"
)

const policyDebounce = 250 * time.Millisecond

// WatchPolicy calls apply with the re-read policy each time the file at path
// changes, until ctx is done. The directory is watched rather than the file so
// editors that save by rename are still seen. A file that fails to parse is
// logged and skipped; the last good policy stays in effect.
func WatchPolicy(ctx context.Context, path string, apply func(*PolicyFile)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Debug("watching policy file %s", abs)

	// Rapid saves collapse into one reload.
	timer := time.NewTimer(policyDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			timer.Reset(policyDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy watcher: %v", err)
		case <-timer.C:
			p, err := ReadPolicy(abs)
			if err != nil {
				logger.Warn("policy reload skipped: %v", err)
				continue
			}
			logger.Info("policy reloaded from %s (%d user tiers)", abs, len(p.Tiers))
			apply(p)
		}
	}
}
