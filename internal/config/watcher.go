package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kairos-proxy/kairos/internal/logging"
)

// Watcher reloads the store when the configuration source changes on disk.
// An invalid file leaves the active snapshot untouched; the failed rules
// are logged.
type Watcher struct {
	watcher  *fsnotify.Watcher
	store    *Store
	debounce time.Duration
	done     chan struct{}
}

// NewWatcher creates a watcher over the store's configuration source.
func NewWatcher(store *Store) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:  fsWatcher,
		store:    store,
		debounce: 200 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching for configuration changes. The parent directory is
// watched rather than the file itself so atomic rename-into-place updates
// are observed.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.store.Path())
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	var debounceTimer *time.Timer
	base := filepath.Base(w.store.Path())

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			// Debounce rapid events from editors and atomic writers
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	if err := w.store.ReloadFromFile(); err != nil {
		logging.Error("config reload rejected, previous config remains active",
			zap.String("path", w.store.Path()),
			zap.Error(err),
		)
		return
	}
	logging.Info("configuration reloaded", zap.String("path", w.store.Path()))
}

// Stop stops watching for changes.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file change events.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
