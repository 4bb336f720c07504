package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when watched files change. Used
// for hot-reload of the rule document without restarting the gate.
type WatchTargets struct {
	// OnRulesChange fires when the rule document is written or created.
	// Typically triggers a registry reload, publishing a new snapshot
	// that only subsequently submitted evaluations observe.
	OnRulesChange func()
}

// Watcher monitors the directory containing the rule document using
// fsnotify and fires the appropriate callback when the file changes.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop it and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the directory containing
// rulesPath. Watching the directory rather than the file survives
// editors that replace the file by rename.
func NewWatcher(rulesPath string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(rulesPath)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(filepath.Base(rulesPath), targets)

	slog.Info("file watcher started", "dir", dir, "file", filepath.Base(rulesPath))
	return w, nil
}

// processEvents reads fsnotify events and dispatches the rules callback.
// Runs until Close() is called.
func (w *Watcher) processEvents(rulesFile string, targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only write and create events matter — remove/rename means
			// the file went away, and the registry keeps the last
			// published snapshot regardless.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != rulesFile {
				continue
			}
			slog.Info("rule document changed, triggering reload", "file", event.Name)
			if targets.OnRulesChange != nil {
				targets.OnRulesChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
