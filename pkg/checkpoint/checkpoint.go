// Package checkpoint persists materialization watermarks so a restarted
// daemon resumes from the committed position instead of rescanning
// history. Backends: local filesystem, Redis, S3.
package checkpoint

import (
	"context"
	"sync"
	"time"
)

// Watermark records the insertion-time boundary up to which one view's
// partitions are known complete.
type Watermark struct {
	// View is the view name the watermark belongs to.
	View string `json:"view"`

	// Position is the exclusive upper bound of scanned insert times.
	Position time.Time `json:"position"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Backend defines the interface for watermark storage backends.
type Backend interface {
	// Save persists a watermark.
	Save(ctx context.Context, wm *Watermark) error

	// Load retrieves a watermark by view name. A missing watermark
	// returns (nil, nil): the view simply has no committed position yet.
	Load(ctx context.Context, view string) (*Watermark, error)

	// List returns all stored watermarks.
	List(ctx context.Context) ([]*Watermark, error)

	// Delete removes a watermark.
	Delete(ctx context.Context, view string) error

	// Name returns the backend name for logging/debugging.
	Name() string
}

// Manager fronts a backend with an in-memory copy so the hot path never
// blocks on storage reads.
type Manager struct {
	mu      sync.RWMutex
	backend Backend
	current map[string]*Watermark
}

// NewManager creates a manager and loads existing watermarks.
func NewManager(ctx context.Context, backend Backend) (*Manager, error) {
	m := &Manager{
		backend: backend,
		current: make(map[string]*Watermark),
	}

	existing, err := backend.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, wm := range existing {
		m.current[wm.View] = wm
	}
	return m, nil
}

// Get returns the current watermark position for a view, or the zero
// time if none is committed.
func (m *Manager) Get(view string) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if wm, ok := m.current[view]; ok {
		return wm.Position
	}
	return time.Time{}
}

// Advance commits a new watermark position. Positions never move
// backward; a stale advance is ignored.
func (m *Manager) Advance(ctx context.Context, view string, position time.Time) error {
	m.mu.Lock()
	if cur, ok := m.current[view]; ok && !position.After(cur.Position) {
		m.mu.Unlock()
		return nil
	}
	wm := &Watermark{
		View:      view,
		Position:  position,
		UpdatedAt: time.Now().UTC(),
	}
	m.current[view] = wm
	m.mu.Unlock()

	return m.backend.Save(ctx, wm)
}

// Backend returns the underlying backend.
func (m *Manager) Backend() Backend {
	return m.backend
}
