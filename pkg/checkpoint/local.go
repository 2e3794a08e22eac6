package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalBackend stores watermarks as JSON files in a directory.
type LocalBackend struct {
	dir string
}

// NewLocalBackend creates a local filesystem backend.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &LocalBackend{dir: dir}, nil
}

// Name returns "local".
func (b *LocalBackend) Name() string {
	return "local"
}

// Save persists a watermark. Write-then-rename so a crashed save never
// leaves a truncated file.
func (b *LocalBackend) Save(ctx context.Context, wm *Watermark) error {
	data, err := json.MarshalIndent(wm, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal watermark: %w", err)
	}

	path := b.path(wm.View)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish watermark: %w", err)
	}
	return nil
}

// Load retrieves a watermark by view name.
func (b *LocalBackend) Load(ctx context.Context, view string) (*Watermark, error) {
	data, err := os.ReadFile(b.path(view))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark: %w", err)
	}

	var wm Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal watermark: %w", err)
	}
	return &wm, nil
}

// List returns all stored watermarks.
func (b *LocalBackend) List(ctx context.Context) ([]*Watermark, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var out []*Watermark
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".watermark") {
			continue
		}
		view := strings.TrimSuffix(entry.Name(), ".watermark")
		wm, err := b.Load(ctx, view)
		if err != nil {
			return nil, err
		}
		if wm != nil {
			out = append(out, wm)
		}
	}
	return out, nil
}

// Delete removes a watermark.
func (b *LocalBackend) Delete(ctx context.Context, view string) error {
	err := os.Remove(b.path(view))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b *LocalBackend) path(view string) string {
	return filepath.Join(b.dir, view+".watermark")
}
