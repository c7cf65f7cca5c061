package gwconfig

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds the callback invoked when config.yaml changes on
// disk. Used for hot-reload of the allowlist and shared secret without
// restarting the gateway.
type WatchTargets struct {
	// OnConfigChange fires when config.yaml is written or created. It
	// receives the freshly reloaded Config.
	OnConfigChange func(*Config)
}

// Watcher monitors a gateway config directory for changes to
// config.yaml using fsnotify, reloading and dispatching on write.
//
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given config directory. The
// watcher immediately starts processing events in a background
// goroutine.
func NewWatcher(dir, configPath string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(configPath, targets)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and reloads config.yaml when it
// changes. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(configPath string, targets WatchTargets) {
	watchName := filepath.Base(configPath)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != watchName {
				continue
			}

			cfg, err := Load(configPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			slog.Info("config.yaml changed, reloaded")
			if targets.OnConfigChange != nil {
				targets.OnConfigChange(cfg)
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

// Close stops the watcher goroutine and releases the fsnotify watcher.
// Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
