// Package cache keeps write-once copies of fetched manifest bytes for
// diagnostics. Nothing in the pipeline reads a cached manifest back.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Cache stores manifest bytes under a fresh name and returns where they went.
type Cache interface {
	Store(ctx context.Context, data []byte) (string, error)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Store(context.Context, []byte) (string, error) { return "", nil }

// File writes each manifest to <dir>/<uuid>.json.
type File struct {
	dir string
}

// NewFile creates the directory if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("cache: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

// Dir returns the cache directory.
func (f *File) Dir() string { return f.dir }

// Store writes data to a new file. An existing file is never overwritten.
func (f *File) Store(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(f.dir, uuid.NewString()+".json")
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("cache: open %s: %w", path, err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		os.Remove(path)
		return "", fmt.Errorf("cache: write %s: %w", path, err)
	}
	if err := fh.Close(); err != nil {
		return "", fmt.Errorf("cache: close %s: %w", path, err)
	}
	return path, nil
}

// Multi stores to every cache. It returns the first location that succeeded
// and the joined errors of those that failed.
type Multi []Cache

func (m Multi) Store(ctx context.Context, data []byte) (string, error) {
	var (
		first string
		errs  []error
	)
	for _, c := range m {
		loc, err := c.Store(ctx, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if first == "" {
			first = loc
		}
	}
	return first, errors.Join(errs...)
}
