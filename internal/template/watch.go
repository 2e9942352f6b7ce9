package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"mcpforge/pkg/logging"
)

// watchDebounce is how long the watcher waits for further filesystem
// events before reloading, so an editor's write-then-rename sequence
// triggers one refresh, not several.
const watchDebounce = 500 * time.Millisecond

// Watch observes the registry's template directory tree and calls Refresh
// whenever descriptor files are created, modified, or removed. onChange,
// if non-nil, runs after each successful refresh so callers can react
// (the gateway invalidates its tool cache here). Watch returns once the
// watcher is running; it stops when ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, onChange func()) error {
	if r.root == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create template watcher: %w", err)
	}
	if err := watcher.Add(r.root); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch template directory %s: %w", r.root, err)
	}

	// fsnotify does not recurse: each template subdirectory (where the
	// descriptor file actually lives) needs its own watch. New
	// subdirectories are added from create events in the loop below.
	entries, err := os.ReadDir(r.root)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				if err := watcher.Add(filepath.Join(r.root, entry.Name())); err != nil {
					logging.Warn(logSubsystem, "failed to watch template directory %s: %v", entry.Name(), err)
				}
			}
		}
	}

	go r.watchLoop(ctx, watcher, onChange)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func()) {
	defer watcher.Close()

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						logging.Warn(logSubsystem, "failed to watch new template directory %s: %v", event.Name, err)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				pending = timer.C
			} else {
				timer.Reset(watchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn(logSubsystem, "template watcher error: %v", err)

		case <-pending:
			timer = nil
			pending = nil
			if err := r.Refresh(); err != nil {
				logging.Error(logSubsystem, err, "failed to refresh templates after filesystem change")
				continue
			}
			if onChange != nil {
				onChange()
			}
		}
	}
}
