// Package mirror makes a drive reflect a local directory.
package mirror

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"driveshare/pkg/drive"
)

// Target is the drive side of a mirror.
type Target interface {
	Files(ctx context.Context) (map[string]string, error)
	Put(ctx context.Context, path string, data []byte) error
	Del(ctx context.Context, path string) error
}

type Options struct {
	// Ignore reports whether a slash-separated path relative to the mirrored
	// directory should be skipped. Ignored directories are not descended.
	Ignore func(rel string) bool
	// MaxFileSize skips larger files. Zero means no limit.
	MaxFileSize int64
}

type Result struct {
	Added   int
	Changed int
	Removed int
	Skipped int
}

// Count is the number of drive entries the pass changed.
func (r Result) Count() int {
	return r.Added + r.Changed + r.Removed
}

// Mirror copies new and modified files under dir into target and deletes
// drive entries whose local file is gone. Unchanged files are detected by
// content id and left alone.
func Mirror(ctx context.Context, dir string, target Target, opts Options) (Result, error) {
	var res Result

	existing, err := target.Files(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list drive: %w", err)
	}

	seen := make(map[string]bool, len(existing))

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if opts.Ignore != nil && opts.Ignore(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		if opts.MaxFileSize > 0 {
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Size() > opts.MaxFileSize {
				res.Skipped++
				return nil
			}
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}

		key := "/" + rel
		seen[key] = true

		prev, ok := existing[key]
		if ok && prev == drive.ContentID(data) {
			return nil
		}
		if err := target.Put(ctx, key, data); err != nil {
			return fmt.Errorf("failed to put %s: %w", key, err)
		}
		if ok {
			res.Changed++
		} else {
			res.Added++
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	for key := range existing {
		if seen[key] {
			continue
		}
		if err := target.Del(ctx, key); err != nil {
			return res, fmt.Errorf("failed to delete %s: %w", key, err)
		}
		res.Removed++
	}

	return res, nil
}
