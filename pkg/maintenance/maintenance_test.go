package maintenance

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tracelake/tracelake/internal/model"
	"github.com/tracelake/tracelake/pkg/cache"
	lkerrors "github.com/tracelake/tracelake/pkg/errors"
	"github.com/tracelake/tracelake/pkg/interfaces"
	"github.com/tracelake/tracelake/pkg/metadata"
	"github.com/tracelake/tracelake/pkg/storage/object"
	"github.com/tracelake/tracelake/pkg/view"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type sweepHarness struct {
	store   *metadata.Store
	objects interfaces.ObjectStorage
	reg     *view.Registry
	parts   *cache.PartitionCache
	content *cache.ContentCache
	clock   *fakeClock
	sweeper *Sweeper
}

func newSweepHarness(t *testing.T) *sweepHarness {
	t.Helper()

	store, err := metadata.New("")
	if err != nil {
		t.Fatalf("failed to open metadata store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	objects, err := object.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	reg := view.NewRegistry()
	if err := view.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}

	h := &sweepHarness{
		store:   store,
		objects: objects,
		reg:     reg,
		parts:   cache.NewPartitionCache(16),
		content: cache.NewContentCache(1 << 20),
		clock:   &fakeClock{now: time.Now().UTC()},
	}
	h.sweeper = NewSweeper(store, objects, reg, h.parts, h.content, Config{}).WithClock(h.clock)
	return h
}

// addPartition registers a partition row and writes a stand-in object
// at its path.
func (h *sweepHarness) addPartition(t *testing.T, viewName, fingerprint, path string, bucketStart time.Time) {
	t.Helper()
	ctx := context.Background()

	err := h.objects.Put(ctx, path, bytes.NewReader([]byte("parquet")), interfaces.PutOptions{})
	if err != nil {
		t.Fatalf("failed to write object: %v", err)
	}
	err = h.store.AddPartition(ctx, &model.Partition{
		ViewName:          viewName,
		ViewKey:           model.GlobalKey,
		BucketStart:       bucketStart,
		BucketEnd:         bucketStart.Add(time.Minute),
		FilePath:          path,
		FileSize:          7,
		Rows:              1,
		SchemaFingerprint: fingerprint,
		SourceInsertTime:  bucketStart,
		SourceBlocks:      1,
	})
	if err != nil {
		t.Fatalf("AddPartition failed: %v", err)
	}
}

func TestSweep_RetiresAndCollectsStaleSchemas(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	def, err := h.reg.Get(view.ViewLogEntries)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	b0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	b1 := b0.Add(time.Minute)
	h.addPartition(t, def.Name, "stale0000", "views/log_entries/stale0000/global/a.parquet", b0)
	h.addPartition(t, def.Name, def.Fingerprint(), "views/log_entries/current/global/b.parquet", b1)
	h.content.Put("views/log_entries/stale0000/global/a.parquet", []byte("parquet"))

	// Past the grace period, one sweep retires and collects.
	h.clock.now = h.clock.now.Add(48 * time.Hour)
	report, err := h.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if report.RetiredBySchema != 1 {
		t.Errorf("RetiredBySchema = %d, want 1", report.RetiredBySchema)
	}
	if report.FilesCollected != 1 {
		t.Errorf("FilesCollected = %d, want 1", report.FilesCollected)
	}

	exists, err := h.objects.Exists(ctx, "views/log_entries/stale0000/global/a.parquet")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("stale object survived collection")
	}
	if _, ok := h.content.Get("views/log_entries/stale0000/global/a.parquet"); ok {
		t.Error("stale content entry survived collection")
	}

	// The current-fingerprint partition is untouched.
	live, err := h.store.ListPartitions(ctx, metadata.PartitionQuery{View: def.Name, IncludeRetired: true})
	if err != nil {
		t.Fatalf("ListPartitions failed: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("got %d partitions after sweep, want 1", len(live))
	}
	if live[0].Retired || live[0].SchemaFingerprint != def.Fingerprint() {
		t.Errorf("surviving partition = %+v, want live current-fingerprint", live[0])
	}

	// A second sweep finds nothing to do.
	report, err = h.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if report.RetiredBySchema != 0 || report.FilesCollected != 0 {
		t.Errorf("second sweep report = %+v, want no-op", report)
	}
}

func TestSweep_RespectsGracePeriod(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	b0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	h.addPartition(t, view.ViewLogEntries, "stale0000", "views/log_entries/stale0000/global/a.parquet", b0)

	// Clock still inside the grace window: retired but not collected.
	report, err := h.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if report.RetiredBySchema != 1 {
		t.Errorf("RetiredBySchema = %d, want 1", report.RetiredBySchema)
	}
	if report.FilesCollected != 0 {
		t.Errorf("FilesCollected = %d, want 0 inside grace period", report.FilesCollected)
	}

	exists, err := h.objects.Exists(ctx, "views/log_entries/stale0000/global/a.parquet")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("retired object collected before the grace period elapsed")
	}

	retired, err := h.store.ListPartitions(ctx, metadata.PartitionQuery{View: view.ViewLogEntries, IncludeRetired: true})
	if err != nil {
		t.Fatalf("ListPartitions failed: %v", err)
	}
	if len(retired) != 1 || !retired[0].Retired {
		t.Fatalf("partition not retired: %+v", retired)
	}
}

func TestSweep_SparesObjectSharedWithLivePartition(t *testing.T) {
	h := newSweepHarness(t)
	ctx := context.Background()

	def, err := h.reg.Get(view.ViewLogEntries)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Retire the bucket, then re-materialize it under the same
	// fingerprint: live and retired rows share the deterministic path.
	b0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	path := "views/log_entries/current/global/a.parquet"
	h.addPartition(t, def.Name, def.Fingerprint(), path, b0)
	if _, err := h.store.RetireMatching(ctx, metadata.PartitionQuery{View: def.Name, Fingerprint: def.Fingerprint()}); err != nil {
		t.Fatalf("RetireMatching failed: %v", err)
	}
	h.addPartition(t, def.Name, def.Fingerprint(), path, b0)

	h.clock.now = h.clock.now.Add(48 * time.Hour)
	report, err := h.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if report.FilesCollected != 0 {
		t.Errorf("FilesCollected = %d, want 0 (object still referenced)", report.FilesCollected)
	}

	exists, err := h.objects.Exists(ctx, path)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("live partition's file was garbage-collected")
	}

	live, err := h.store.ListPartitions(ctx, metadata.PartitionQuery{View: def.Name, IncludeRetired: true})
	if err != nil {
		t.Fatalf("ListPartitions failed: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("got %d partition rows after sweep, want just the live one", len(live))
	}
	if live[0].Retired {
		t.Error("surviving partition row is retired, want live")
	}
}

func TestSweep_CollectsStageErrors(t *testing.T) {
	h := newSweepHarness(t)

	// Every stage fails once the store is gone.
	h.store.Close()
	_, err := h.sweeper.Sweep(context.Background())
	if err == nil {
		t.Fatal("sweep on a closed store succeeded")
	}
	var multi *lkerrors.MultiError
	if !errors.As(err, &multi) {
		t.Fatalf("sweep error = %T, want aggregated stage errors", err)
	}
	if len(multi.Errors) < 2 {
		t.Errorf("aggregated %d errors, want one per failed stage", len(multi.Errors))
	}
}
