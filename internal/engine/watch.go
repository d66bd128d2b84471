package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchRules reloads rules whenever its file is written or created, and
// blocks until ctx is done. The parent directory is watched so editors that
// replace the file atomically are seen too.
func WatchRules(ctx context.Context, rules *RuleEngine, logger *slog.Logger) error {
	if rules == nil || rules.Path() == "" {
		return errors.New("watch rules: no rule pack configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch rules: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(rules.Path())
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch rules %s: %w", target, err)
	}
	logger.Info("watching rule pack", slog.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := rules.Reload(); err != nil {
				logger.Warn("rule pack reload failed, keeping previous rules",
					slog.String("path", target), slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("rule watcher error", slog.Any("error", err))
		}
	}
}
