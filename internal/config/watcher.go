package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches a configuration file and hands every valid new version
// to the registered handlers. The file is loaded fresh on each change.
type Watcher struct {
	path     string
	debounce time.Duration
	loader   func(path string) (*Config, error)
	onError  func(error)
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers []func(*Config)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before it is loaded.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithErrorHandler sets a callback for load errors. Errors are always
// logged.
func WithErrorHandler(handler func(error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = handler
	}
}

// WithLoader replaces Load.
func WithLoader(loader func(path string) (*Config, error)) WatcherOption {
	return func(w *Watcher) {
		w.loader = loader
	}
}

// NewWatcher creates a watcher for the configuration file at path.
func NewWatcher(path string, logger *zap.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultWatchDebounce,
		loader:   Load,
		logger:   logger.Named("config-watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnReload registers a handler called with each valid new configuration.
func (w *Watcher) OnReload(handler func(*Config)) {
	w.mu.Lock()
	w.handlers = append(w.handlers, handler)
	w.mu.Unlock()
}

// Run watches until ctx is cancelled. The parent directory is watched so
// editors that replace the file by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.logger.Info("Config watcher started",
		zap.String("path", w.path),
		zap.Duration("debounce", w.debounce))

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Config watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("Config file change detected", zap.String("op", event.Op.String()))

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.loadAndNotify()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) loadAndNotify() {
	cfg, err := w.loader(w.path)
	if err != nil {
		w.logger.Warn("Ignoring invalid configuration change", zap.Error(err))
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.logger.Info("Config file changed, notifying handlers")

	w.mu.RLock()
	handlers := make([]func(*Config), len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.RUnlock()

	for _, handler := range handlers {
		handler(cfg)
	}
}
