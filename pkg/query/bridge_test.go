package query

import (
	"context"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"

	"github.com/tracelake/tracelake/internal/model"
	"github.com/tracelake/tracelake/pkg/cache"
	"github.com/tracelake/tracelake/pkg/materialize"
	"github.com/tracelake/tracelake/pkg/metadata"
	"github.com/tracelake/tracelake/pkg/storage/object"
	"github.com/tracelake/tracelake/pkg/view"
)

var scanBucket = model.TimeRange{
	Start: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 8, 29, 10, 1, 0, 0, time.UTC),
}

type bridgeHarness struct {
	store  *metadata.Store
	reg    *view.Registry
	bridge *Bridge
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
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

	parts := cache.NewPartitionCache(16)
	content := cache.NewContentCache(1 << 20)
	engine := materialize.NewEngine(store, objects, reg, parts, content, materialize.DefaultConfig())
	gen := materialize.NewGenerator(engine)

	return &bridgeHarness{
		store:  store,
		reg:    reg,
		bridge: NewBridge(engine, gen, store, parts),
	}
}

// seedBlocks inserts one process, one stream and n blocks whose insert
// times fall inside the scan bucket.
func (h *bridgeHarness) seedBlocks(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()

	err := h.store.InsertProcess(ctx, &model.Process{
		ProcessID:  "P1",
		Exe:        "/usr/bin/app",
		StartTime:  scanBucket.Start,
		InsertTime: scanBucket.Start,
	})
	if err != nil {
		t.Fatalf("InsertProcess failed: %v", err)
	}
	err = h.store.InsertStream(ctx, &model.Stream{
		StreamID:   "S1",
		ProcessID:  "P1",
		Kind:       model.StreamKindLog,
		InsertTime: scanBucket.Start,
	})
	if err != nil {
		t.Fatalf("InsertStream failed: %v", err)
	}

	for i := 0; i < n; i++ {
		ts := scanBucket.Start.Add(time.Duration(i+1) * time.Second)
		err := h.store.InsertBlock(ctx, &model.Block{
			BlockID:    string(rune('A' + i)),
			StreamID:   "S1",
			BeginTime:  ts,
			EndTime:    ts.Add(time.Second),
			NbObjects:  10,
			InsertTime: ts,
		})
		if err != nil {
			t.Fatalf("InsertBlock %d failed: %v", i, err)
		}
	}
}

func countRows(records []arrow.Record) int64 {
	var n int64
	for _, rec := range records {
		n += rec.NumRows()
	}
	return n
}

func releaseRecords(records []arrow.Record) {
	for _, rec := range records {
		rec.Release()
	}
}

func TestBridge_ScanReadsMaterializedPartitions(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()

	h.seedBlocks(t, 3)
	parts, err := h.bridge.MaterializeNow(ctx, view.ViewBlocks, scanBucket)
	if err != nil {
		t.Fatalf("MaterializeNow failed: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("got %d partitions, want 1", len(parts))
	}
	if parts[0].Rows != 3 {
		t.Errorf("partition rows = %d, want 3", parts[0].Rows)
	}

	records, err := h.bridge.Scan(ctx, ScanRequest{View: view.ViewBlocks, Range: scanBucket})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	defer releaseRecords(records)

	if got := countRows(records); got != 3 {
		t.Errorf("scan returned %d rows, want 3", got)
	}
}

func TestBridge_ScanTruncatesAtLimit(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()

	h.seedBlocks(t, 5)
	if _, err := h.bridge.MaterializeNow(ctx, view.ViewBlocks, scanBucket); err != nil {
		t.Fatalf("MaterializeNow failed: %v", err)
	}

	records, err := h.bridge.Scan(ctx, ScanRequest{View: view.ViewBlocks, Range: scanBucket, Limit: 2})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	defer releaseRecords(records)

	if got := countRows(records); got != 2 {
		t.Errorf("limited scan returned %d rows, want 2", got)
	}
}

func TestBridge_ScanPrunesByTimeRange(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()

	h.seedBlocks(t, 3)
	if _, err := h.bridge.MaterializeNow(ctx, view.ViewBlocks, scanBucket); err != nil {
		t.Fatalf("MaterializeNow failed: %v", err)
	}

	// A disjoint window produces an empty result, not an error.
	later := model.TimeRange{
		Start: scanBucket.End.Add(time.Hour),
		End:   scanBucket.End.Add(2 * time.Hour),
	}
	records, err := h.bridge.Scan(ctx, ScanRequest{View: view.ViewBlocks, Range: later})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(records) != 0 {
		releaseRecords(records)
		t.Errorf("disjoint scan returned %d record batches, want 0", len(records))
	}
}

func TestBridge_RetireExcludesFromScans(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()

	h.seedBlocks(t, 3)
	if _, err := h.bridge.MaterializeNow(ctx, view.ViewBlocks, scanBucket); err != nil {
		t.Fatalf("MaterializeNow failed: %v", err)
	}

	def, err := h.reg.Get(view.ViewBlocks)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	n, err := h.bridge.RetirePartitions(ctx, view.ViewBlocks, def.Fingerprint())
	if err != nil {
		t.Fatalf("RetirePartitions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("retired %d partitions, want 1", n)
	}

	records, err := h.bridge.Scan(ctx, ScanRequest{View: view.ViewBlocks, Range: scanBucket})
	if err != nil {
		t.Fatalf("scan after retire failed: %v", err)
	}
	if len(records) != 0 {
		releaseRecords(records)
		t.Errorf("scan returned %d record batches after retirement, want 0", len(records))
	}

	listed, err := h.bridge.ListPartitions(ctx, metadata.PartitionQuery{View: view.ViewBlocks, IncludeRetired: true})
	if err != nil {
		t.Fatalf("ListPartitions failed: %v", err)
	}
	if len(listed) != 1 || !listed[0].Retired {
		t.Fatalf("retired partition not listed: %+v", listed)
	}
}

func TestBridge_TablesListsRegisteredViews(t *testing.T) {
	h := newBridgeHarness(t)

	tables := h.bridge.Tables()
	if len(tables) != 7 {
		t.Fatalf("got %d tables, want 7", len(tables))
	}
	byName := make(map[string]TableInfo, len(tables))
	for _, ti := range tables {
		byName[ti.Name] = ti
	}
	if ti, ok := byName[view.ViewBlocks]; !ok || ti.Granularity != view.GranularityMinute || ti.Instance {
		t.Errorf("blocks table = %+v, want global minute view", ti)
	}
	if ti, ok := byName[view.ViewThreadSpans]; !ok || ti.Granularity != view.GranularityHour {
		t.Errorf("thread_spans table = %+v, want hour view", ti)
	}
}

// A blocks scan must agree with re-deriving the same rows straight
// from the metadata store, including after a late block forces the
// bucket's partition to be rewritten in place.
func TestBridge_ScanMatchesDirectDerivation(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()

	h.seedBlocks(t, 3)
	if _, err := h.bridge.MaterializeNow(ctx, view.ViewBlocks, scanBucket); err != nil {
		t.Fatalf("MaterializeNow failed: %v", err)
	}

	scanIDs := func(t *testing.T) []string {
		t.Helper()
		records, err := h.bridge.Scan(ctx, ScanRequest{View: view.ViewBlocks, Range: scanBucket})
		if err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		defer releaseRecords(records)

		var ids []string
		for _, rec := range records {
			col, ok := rec.Column(0).(*array.String)
			if !ok {
				t.Fatalf("block_id column is %T, want *array.String", rec.Column(0))
			}
			for i := 0; i < col.Len(); i++ {
				ids = append(ids, col.Value(i))
			}
		}
		sort.Strings(ids)
		return ids
	}
	derivedIDs := func(t *testing.T) []string {
		t.Helper()
		blocks, err := h.store.ListBlocksInserted(ctx, "", scanBucket)
		if err != nil {
			t.Fatalf("ListBlocksInserted failed: %v", err)
		}
		ids := make([]string, 0, len(blocks))
		for _, b := range blocks {
			ids = append(ids, b.BlockID)
		}
		sort.Strings(ids)
		return ids
	}

	if got, want := scanIDs(t), derivedIDs(t); !reflect.DeepEqual(got, want) {
		t.Errorf("scan ids = %v, derived ids = %v", got, want)
	}

	// A late block lands in the bucket; the rewrite must show up in
	// the next scan.
	late := scanBucket.Start.Add(30 * time.Second)
	err := h.store.InsertBlock(ctx, &model.Block{
		BlockID:    "Z",
		StreamID:   "S1",
		BeginTime:  late,
		EndTime:    late.Add(time.Second),
		NbObjects:  10,
		InsertTime: late,
	})
	if err != nil {
		t.Fatalf("InsertBlock failed: %v", err)
	}
	if _, err := h.bridge.MaterializeNow(ctx, view.ViewBlocks, scanBucket); err != nil {
		t.Fatalf("MaterializeNow after late block failed: %v", err)
	}

	got, want := scanIDs(t), derivedIDs(t)
	if len(want) != 4 {
		t.Fatalf("derived %d blocks after late insert, want 4", len(want))
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("scan ids after late block = %v, derived ids = %v", got, want)
	}
}
