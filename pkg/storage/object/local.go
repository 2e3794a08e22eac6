// Package object provides object storage implementations.
package object

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tracelake/tracelake/pkg/interfaces"
)

// LocalStorage implements ObjectStorage for local filesystem.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(root string) (*LocalStorage, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}

	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	return &LocalStorage{root: absRoot}, nil
}

// Scheme returns "file".
func (s *LocalStorage) Scheme() string {
	return "file"
}

// Put writes data to a path. The write goes through a temp file and a
// rename so a reader never observes a torn object.
func (s *LocalStorage) Put(ctx context.Context, path string, data io.Reader, opts interfaces.PutOptions) error {
	fullPath := s.fullPath(path)

	// Create parent directories
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Check if exists when IfNotExists is set
	if opts.IfNotExists {
		if _, err := os.Stat(fullPath); err == nil {
			return fmt.Errorf("object already exists: %s", path)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to publish object: %w", err)
	}
	return nil
}

// Get returns a reader for the object.
func (s *LocalStorage) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath := s.fullPath(path)
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Delete removes an object.
func (s *LocalStorage) Delete(ctx context.Context, path string) error {
	fullPath := s.fullPath(path)
	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists checks if an object exists.
func (s *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	fullPath := s.fullPath(path)
	_, err := os.Stat(fullPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List lists objects with a prefix.
func (s *LocalStorage) List(ctx context.Context, prefix string, opts interfaces.ListOptions) ([]interfaces.ObjectInfo, error) {
	var results []interfaces.ObjectInfo

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".put-") {
			return nil // in-flight temp file
		}

		relPath, _ := filepath.Rel(s.root, path)
		relPath = filepath.ToSlash(relPath)
		if prefix != "" && !strings.HasPrefix(relPath, prefix) {
			return nil
		}
		if opts.StartAfter != "" && relPath <= opts.StartAfter {
			return nil
		}

		results = append(results, interfaces.ObjectInfo{
			Path:         relPath,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Sort by path
	sort.Slice(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})

	if opts.MaxKeys > 0 && len(results) > opts.MaxKeys {
		results = results[:opts.MaxKeys]
	}
	return results, nil
}

// Head returns object metadata.
func (s *LocalStorage) Head(ctx context.Context, path string) (interfaces.ObjectInfo, error) {
	fullPath := s.fullPath(path)
	info, err := os.Stat(fullPath)
	if err != nil {
		return interfaces.ObjectInfo{}, fmt.Errorf("failed to stat file: %w", err)
	}

	return interfaces.ObjectInfo{
		Path:         path,
		Size:         info.Size(),
		LastModified: info.ModTime(),
		IsDir:        info.IsDir(),
	}, nil
}

// DeleteMany deletes multiple objects.
func (s *LocalStorage) DeleteMany(ctx context.Context, paths []string) error {
	for _, path := range paths {
		if err := s.Delete(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

func (s *LocalStorage) fullPath(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}
