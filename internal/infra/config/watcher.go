package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reports changes to a config file. It watches the parent directory
// because atomic writes replace the file rather than modify it.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func()

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a Watcher that calls onChange after writes to path
// settle for debounce (0 selects a default).
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger, onChange func()) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		logger:   logger.With("component", "config_watcher"),
		onChange: onChange,
	}
}

// Start begins watching and returns once the watch is registered. The watch
// ends when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	go func() {
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				w.stopTimer()
				return
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				w.handle(event)
			case werr, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watch error", "error", werr)
			}
		}
	}()

	w.logger.Info("watching config", "path", w.path)
	return nil
}

func (w *Watcher) handle(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.logger.Debug("config changed", "path", w.path)
		w.onChange()
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
