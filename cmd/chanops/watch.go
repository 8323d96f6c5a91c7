package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settingsDebounce collapses the burst of events an editor save produces.
const settingsDebounce = 200 * time.Millisecond

// watchSettings signals on the returned channel whenever path is written
// or created. The parent directory is watched so an atomic replace by
// rename is seen. A nil channel is returned when the directory cannot be
// watched.
func watchSettings(ctx context.Context, path string, logger *slog.Logger) <-chan struct{} {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		logger.Debug("settings watch disabled", slog.String("dir", dir), slog.String("error", err.Error()))
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("settings watch disabled", slog.String("error", err.Error()))
		return nil
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		logger.Warn("settings watch disabled", slog.String("dir", dir), slog.String("error", err.Error()))
		return nil
	}

	out := make(chan struct{}, 1)
	go func() {
		defer w.Close()
		var timer *time.Timer
		var fire <-chan time.Time
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
				if filepath.Clean(ev.Name) != filepath.Clean(path) ||
					ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(settingsDebounce)
				} else {
					timer.Reset(settingsDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("settings watch error", slog.String("error", err.Error()))
			}
		}
	}()
	return out
}
