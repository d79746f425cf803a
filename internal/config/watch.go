package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/johnplanow/substrate-sub007/internal/bus"
	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// watchDebounce coalesces editor write bursts into a single reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads the merged config whenever the project config file changes
// and publishes config:reloaded with the changed keys. It blocks until the
// context is cancelled.
func (s *System) Watch(ctx context.Context, b *bus.Bus) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save and
	// a file-level watch dies with the old inode.
	dir := filepath.Dir(s.ProjectPath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	log := logging.Get(logging.CategoryConfig)
	log.Info("Watching config: %s", s.ProjectPath())

	target := filepath.Base(s.ProjectPath())
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := s.Reload(b); err != nil {
				// A half-saved file is expected during edits. Keep the
				// previous config and wait for the next write.
				log.Warn("Config reload failed, keeping previous config: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Config watcher error: %v", err)
		}
	}
}
