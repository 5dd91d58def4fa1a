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

// Watcher reloads the config file when it changes on disk. Invalid edits are
// logged and ignored; the last good config stays in effect.
type Watcher struct {
	path     string
	settle   time.Duration
	onChange func(old, updated *Config)
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	current *Config
}

// NewWatcher watches path. onChange runs on the watcher goroutine.
func NewWatcher(path string, current *Config, onChange func(old, updated *Config), logger *zap.SugaredLogger) *Watcher {
	return &Watcher{
		path:     path,
		settle:   200 * time.Millisecond,
		onChange: onChange,
		logger:   logger,
		current:  current,
	}
}

// Current returns the last successfully loaded config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Serve watches until ctx ends. The parent directory is watched so that
// editors that replace the file by rename are seen.
func (w *Watcher) Serve(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(w.path)

	// Editors write in bursts; reload once the burst settles.
	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.settle, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			w.Reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			w.logger.Warnw("config watcher error", "error", err)
		}
	}
}

// Reload reads the file now and applies it when valid.
func (w *Watcher) Reload() bool {
	updated, err := Load(w.path)
	if err != nil {
		w.logger.Warnw("config reload rejected", "path", w.path, "error", err)
		return false
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	w.mu.Unlock()

	w.logger.Infow("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, updated)
	}
	return true
}
