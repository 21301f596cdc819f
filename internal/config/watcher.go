package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
)

const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a config file when it changes on disk
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	onReload  func(*Config) error
	debouncer *debouncer
	started   bool
	done      chan struct{}
}

// debouncer collapses bursts of events into one call
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
}

// NewWatcher creates a Watcher for the config file at path. onReload
// receives every successfully loaded and validated config.
func NewWatcher(path string, onReload func(*Config) error) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		path:      filepath.Clean(path),
		watcher:   fsWatcher,
		onReload:  onReload,
		debouncer: &debouncer{duration: DefaultDebounce},
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. The containing directory is watched as well so
// editors that replace the file on save are picked up.
func (w *Watcher) Start() error {
	logger.Info("Watching config file", zap.String("path", w.path))

	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		logger.Warn("Failed to watch directory", zap.String("dir", dir), zap.Error(err))
	}

	w.started = true
	go w.processEvents()
	return nil
}

func (w *Watcher) processEvents() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	logger.Debug("Config file changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
	w.debouncer.debounce(w.reload)
}

// reload loads, validates and hands over the file. Invalid files are logged and ignored.
func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err == nil {
		err = w.onReload(cfg)
	}
	if err != nil {
		logger.Error("Failed to reload config", zap.String("file", w.path), zap.Error(err))
		return
	}
	logger.Info("Reloaded config", zap.String("file", w.path))
}

func (d *debouncer) debounce(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.duration, fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Close stops watching
func (w *Watcher) Close() error {
	w.debouncer.stop()
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	return err
}
