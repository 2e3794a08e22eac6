package checkpoint

import (
	"context"
	"testing"
	"time"
)

func TestLocalBackend_SaveLoadRoundtrip(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	ctx := context.Background()

	if wm, err := backend.Load(ctx, "log_entries"); err != nil || wm != nil {
		t.Fatalf("Load of missing watermark = (%v, %v), want (nil, nil)", wm, err)
	}

	pos := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	saved := &Watermark{View: "log_entries", Position: pos, UpdatedAt: pos}
	if err := backend.Save(ctx, saved); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := backend.Load(ctx, "log_entries")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil || !loaded.Position.Equal(pos) {
		t.Errorf("Load = %+v, want position %s", loaded, pos)
	}
}

func TestLocalBackend_ListAndDelete(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	ctx := context.Background()
	pos := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	for _, view := range []string{"a", "b", "c"} {
		if err := backend.Save(ctx, &Watermark{View: view, Position: pos}); err != nil {
			t.Fatalf("Save(%s) failed: %v", view, err)
		}
	}

	wms, err := backend.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(wms) != 3 {
		t.Fatalf("List returned %d watermarks, want 3", len(wms))
	}

	if err := backend.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if wm, err := backend.Load(ctx, "b"); err != nil || wm != nil {
		t.Errorf("Load after Delete = (%v, %v), want (nil, nil)", wm, err)
	}

	// Deleting a missing watermark is a no-op.
	if err := backend.Delete(ctx, "b"); err != nil {
		t.Errorf("second Delete errored: %v", err)
	}
}

func TestManager_AdvanceIsMonotonic(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	ctx := context.Background()

	m, err := NewManager(ctx, backend)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if !m.Get("v").IsZero() {
		t.Error("fresh manager reports a non-zero watermark")
	}

	t1 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	if err := m.Advance(ctx, "v", t2); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	// A stale advance must not move the watermark backward.
	if err := m.Advance(ctx, "v", t1); err != nil {
		t.Fatalf("stale Advance errored: %v", err)
	}
	if got := m.Get("v"); !got.Equal(t2) {
		t.Errorf("watermark = %s, want %s", got, t2)
	}
}

func TestManager_ResumesFromBackend(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	pos := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	backend, err := NewLocalBackend(dir)
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	m1, err := NewManager(ctx, backend)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := m1.Advance(ctx, "v", pos); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	// A restarted daemon sees the committed position.
	backend2, err := NewLocalBackend(dir)
	if err != nil {
		t.Fatalf("NewLocalBackend (restart) failed: %v", err)
	}
	m2, err := NewManager(ctx, backend2)
	if err != nil {
		t.Fatalf("NewManager (restart) failed: %v", err)
	}
	if got := m2.Get("v"); !got.Equal(pos) {
		t.Errorf("restarted watermark = %s, want %s", got, pos)
	}
}
