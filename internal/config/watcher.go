package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks invoked when specific persisted files
// change on disk, letting an operator edit policy.json/access.json by
// hand (or via a config-management tool) and have the running process
// pick up the change without a restart.
type WatchTargets struct {
	// OnPolicyChange fires when policy.json is written or created.
	// Wired to policy.Store.Reload.
	OnPolicyChange func()
	// OnAccessChange fires when access.json is written or created.
	OnAccessChange func()
}

// Watcher monitors a data directory for writes to policy.json and
// access.json using fsnotify, adapted from the teacher's
// internal/config/watcher.go (same single-goroutine event loop,
// same done-channel Close pattern) with the watched filename set
// swapped from rules.yaml/killed.yaml to this domain's persisted
// stores.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher starts watching dir for changes, dispatching to targets.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{fsWatcher: fw, done: make(chan struct{})}
	go w.processEvents(targets)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			switch filepath.Base(event.Name) {
			case "policy.json":
				slog.Info("policy.json changed, reloading")
				if targets.OnPolicyChange != nil {
					targets.OnPolicyChange()
				}
			case "access.json":
				slog.Info("access.json changed, reloading")
				if targets.OnAccessChange != nil {
					targets.OnAccessChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
