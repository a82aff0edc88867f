package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loomctl/loom/errors"
	"github.com/loomctl/loom/logger"
)

// ReloadCallback is called when the config file is reloaded.
// Receives the new config and returns any error.
type ReloadCallback func(*Config) error

// Watcher watches the config file for changes and triggers reload callbacks.
// Rapid successive writes (editors writing temp files, chmod storms) are
// debounced into one reload.
type Watcher struct {
	configPath     string
	watcher        *fsnotify.Watcher
	debouncePeriod time.Duration

	mu            sync.Mutex
	callbacks     []ReloadCallback
	debounceTimer *time.Timer
	closed        bool
}

// NewWatcher creates a watcher on the given config file.
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if err := fsWatcher.Add(configPath); err != nil {
		fsWatcher.Close()
		return nil, errors.Wrapf(err, "watch config file %s", configPath)
	}

	return &Watcher{
		configPath:     configPath,
		watcher:        fsWatcher,
		debouncePeriod: 500 * time.Millisecond,
	}, nil
}

// OnReload registers a callback to be called when config is reloaded.
func (w *Watcher) OnReload(callback ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for config file changes.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Close stops watching. Pending debounced reloads are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Logger.Warnw("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		logger.Logger.Errorw("config reload failed",
			"path", w.configPath, "error", err)
		return
	}

	w.mu.Lock()
	callbacks := make([]ReloadCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, callback := range callbacks {
		if err := callback(cfg); err != nil {
			logger.Logger.Warnw("config reload callback failed", "error", err)
		}
	}
	logger.Logger.Infow("configuration reloaded", "path", w.configPath)
}
