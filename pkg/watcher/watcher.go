// Package watcher reports changes anywhere below a directory.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch calls onChange for every filesystem event under dir until ctx is
// done. Directories created later are watched too. ignore, if set, receives
// slash-separated paths relative to dir.
func Watch(ctx context.Context, dir string, onChange func(), ignore func(rel string) bool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	ignored := func(p string) bool {
		if ignore == nil {
			return false
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return false
		}
		return ignore(filepath.ToSlash(rel))
	}

	addTree := func(root string) error {
		return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if ignored(p) {
				return filepath.SkipDir
			}
			if err := w.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
			return nil
		})
	}

	if err := addTree(dir); err != nil {
		return err
	}

	logger.Debug("Watching directory", zap.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ignored(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if err := addTree(event.Name); err != nil {
					logger.Debug("Failed to watch new path", zap.String("path", event.Name), zap.Error(err))
				}
			}
			onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error", zap.Error(err))
		}
	}
}
