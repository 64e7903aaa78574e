package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	reload   func(Config)
	load     func() (Config, error)
	logger   *slog.Logger
	w        *fsnotify.Watcher
}

// NewWatcher watches the directory holding path. Editors usually replace
// files rather than write them in place, so the parent is watched and
// events are filtered by name.
func NewWatcher(path string, reload func(Config), logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: 200 * time.Millisecond,
		reload:   reload,
		load:     func() (Config, error) { return LoadFile(path) },
		logger:   logger,
		w:        w,
	}, nil
}

// Run delivers reloads until ctx is done. A file that fails to load or
// validate is logged and the previous config stays in effect.
func (w *Watcher) Run(ctx context.Context) {
	defer w.w.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			cfg, err := w.load()
			if err != nil {
				w.logger.Warn("config reload rejected", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
			w.reload(cfg)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
