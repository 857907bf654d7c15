package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/strand/internal/observability"
)

// WatchLogLevel watches the config file and applies logging.level changes to
// level without a restart. Other fields require a restart and are ignored.
// The watcher stops when ctx is cancelled.
func WatchLogLevel(ctx context.Context, path string, level *slog.LevelVar, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files on save, which drops a
	// watch placed on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	target, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if abs, err := filepath.Abs(event.Name); err != nil || abs != target {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload failed, keeping current log level", "error", err)
					continue
				}
				next := observability.LogLevelFromString(cfg.Logging.Level)
				if level.Level() != next {
					logger.Info("log level changed", "level", cfg.Logging.Level)
					level.Set(next)
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
