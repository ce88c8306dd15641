package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teemow/inboxlink/internal/logging"
)

const reloadDebounce = 200 * time.Millisecond

// WatchLinks calls onChange with the re-read [links] section whenever the
// config file changes, until ctx ends. The directory is watched so editors
// that replace the file are handled.
func WatchLinks(ctx context.Context, path string, logger *slog.Logger, onChange func(Links)) error {
	if path == "" {
		path = DefaultPath()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		reload := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				links, err := LoadLinks(path)
				if err != nil {
					logger.Warn("config reload failed", logging.Err(err))
					continue
				}
				logger.Info("config reloaded", slog.String("strategy", links.Strategy), slog.String("field", links.FieldName))
				onChange(links)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", logging.Err(err))
			}
		}
	}()
	return nil
}
