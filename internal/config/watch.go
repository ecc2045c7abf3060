package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events a single editor save emits.
const DefaultDebounce = 200 * time.Millisecond

// Watch watches the config file for changes and calls onReload with each
// new configuration that loads and validates. Invalid configs are logged
// and skipped. The watcher stops when ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, onReload func(*Config)) error {
	return watch(ctx, path, DefaultDebounce, logger, onReload)
}

func watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: many editors save via atomic rename.
	dir, file := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	var (
		timer *time.Timer
		mu    sync.Mutex
	)
	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			cfg, err := Load(path)
			if err != nil {
				logger.Error("failed to reload config", "error", err)
				return
			}
			onReload(cfg)
		})
	}

	go func() {
		logger.Info("config watcher started", "path", path)
		defer func() {
			_ = watcher.Close()
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			logger.Info("config watcher stopped")
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != file {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					trigger()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}
