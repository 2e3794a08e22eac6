package materialize

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"

	"github.com/tracelake/tracelake/internal/model"
	"github.com/tracelake/tracelake/pkg/cache"
	lkerrors "github.com/tracelake/tracelake/pkg/errors"
	"github.com/tracelake/tracelake/pkg/interfaces"
	"github.com/tracelake/tracelake/pkg/metadata"
	"github.com/tracelake/tracelake/pkg/view"
)

// --- in-memory fakes ---

type fakeStore struct {
	mu     sync.Mutex
	blocks []*model.Block
	parts  map[string][]*model.Partition
}

func newFakeStore() *fakeStore {
	return &fakeStore{parts: make(map[string][]*model.Partition)}
}

func (s *fakeStore) addBlock(b *model.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, b)
}

func (s *fakeStore) ListProcesses(ctx context.Context, updateRange model.TimeRange) ([]*model.Process, error) {
	return nil, nil
}

func (s *fakeStore) ListStreamsForProcess(ctx context.Context, processID string, kind model.StreamKind) ([]*model.Stream, error) {
	return nil, nil
}

func (s *fakeStore) ListStreamsInserted(ctx context.Context, insertRange model.TimeRange) ([]*model.Stream, error) {
	return nil, nil
}

func (s *fakeStore) ListBlocksInserted(ctx context.Context, kind model.StreamKind, insertRange model.TimeRange) ([]*model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Block
	for _, b := range s.blocks {
		if insertRange.Contains(b.InsertTime) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *fakeStore) ListBlocksOverlapping(ctx context.Context, kind model.StreamKind, processID string, bucket model.TimeRange) ([]*model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Block
	for _, b := range s.blocks {
		if processID != "" && b.ProcessID != processID {
			continue
		}
		if b.Overlaps(bucket.Start, bucket.End) {
			out = append(out, b)
		}
	}
	return out, nil
}

func partKey(viewName, key string, bucketStart time.Time) string {
	return fmt.Sprintf("%s|%s|%d", viewName, key, bucketStart.Unix())
}

func (s *fakeStore) GetPartition(ctx context.Context, viewName, key string, bucketStart time.Time) (*model.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parts[partKey(viewName, key, bucketStart)] {
		if !p.Retired {
			return p, nil
		}
	}
	return nil, lkerrors.PartitionNotFound(viewName, key)
}

func (s *fakeStore) AddPartition(ctx context.Context, p *model.Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := partKey(p.ViewName, p.ViewKey, p.BucketStart)
	for _, old := range s.parts[k] {
		if old.Retired {
			continue
		}
		if old.FilePath == p.FilePath {
			*old = *p
			return nil
		}
		old.Retired = true
	}
	s.parts[k] = append(s.parts[k], p)
	return nil
}

func (s *fakeStore) ListPartitions(ctx context.Context, q metadata.PartitionQuery) ([]*model.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Partition
	for _, ps := range s.parts {
		for _, p := range ps {
			if q.View != "" && p.ViewName != q.View {
				continue
			}
			if p.Retired && !q.IncludeRetired {
				continue
			}
			out = append(out, p)
		}
	}
	return out, nil
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int32
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) Put(ctx context.Context, path string, data io.Reader, opts interfaces.PutOptions) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	atomic.AddInt32(&m.puts, 1)
	m.objects[path] = buf
	return nil
}

func (m *memStorage) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, lkerrors.New(lkerrors.CodeObjectNotFound, "no such object").WithContext("path", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *memStorage) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memStorage) List(ctx context.Context, prefix string, opts interfaces.ListOptions) ([]interfaces.ObjectInfo, error) {
	return nil, nil
}

func (m *memStorage) Head(ctx context.Context, path string) (interfaces.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return interfaces.ObjectInfo{}, lkerrors.New(lkerrors.CodeObjectNotFound, "no such object")
	}
	return interfaces.ObjectInfo{Path: path, Size: int64(len(data))}, nil
}

func (m *memStorage) DeleteMany(ctx context.Context, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.objects, p)
	}
	return nil
}

func (m *memStorage) Scheme() string { return "mem" }

func (m *memStorage) putCount() int32 { return atomic.LoadInt32(&m.puts) }

// --- test fixtures ---

var testBucket = model.TimeRange{
	Start: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 8, 29, 10, 1, 0, 0, time.UTC),
}

func countSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "block_id", Type: arrow.BinaryTypes.String},
	}, nil)
}

// countingTransform emits one row per resolved block and counts runs.
func countingTransform(runs *int32) view.TransformFunc {
	return func(ctx context.Context, in *view.Input) (*view.Output, error) {
		if runs != nil {
			atomic.AddInt32(runs, 1)
		}
		if len(in.Blocks) == 0 {
			return &view.Output{}, nil
		}
		b := array.NewRecordBuilder(in.Mem, in.Def.Schema)
		defer b.Release()
		for _, blk := range in.Blocks {
			b.Field(0).(*array.StringBuilder).Append(blk.BlockID)
		}
		return &view.Output{Records: []arrow.Record{b.NewRecord()}}, nil
	}
}

func blockViewDef(name string, runs *int32) *view.Definition {
	return &view.Definition{
		Name:        name,
		Granularity: view.GranularityMinute,
		Schema:      countSchema(),
		BlockKind:   model.StreamKindLog,
		Transform:   countingTransform(runs),
	}
}

func testBlock(id, processID string, begin, insert time.Time) *model.Block {
	return &model.Block{
		BlockID:    id,
		StreamID:   "S1",
		ProcessID:  processID,
		BeginTime:  begin,
		EndTime:    begin.Add(time.Second),
		InsertTime: insert,
	}
}

type harness struct {
	store   *fakeStore
	objects *memStorage
	engine  *Engine
	def     *view.Definition
	runs    int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: newFakeStore(), objects: newMemStorage()}
	registry := view.NewRegistry()
	h.def = blockViewDef("log_entries", &h.runs)
	if err := registry.Register(h.def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	h.engine = NewEngine(h.store, h.objects, registry,
		cache.NewPartitionCache(64), cache.NewContentCache(1<<20), DefaultConfig())
	return h
}

// --- tests ---

func TestEngine_MaterializesAllBlocksInBucket(t *testing.T) {
	h := newHarness(t)
	t0 := testBucket.Start.Add(5 * time.Second)

	for i := 0; i < 3; i++ {
		h.store.addBlock(testBlock(fmt.Sprintf("b%d", i), "P1",
			t0.Add(time.Duration(i)*time.Second), t0.Add(time.Duration(i)*time.Second)))
	}

	p, err := h.engine.MaterializeBucket(context.Background(), h.def, "", testBucket)
	if err != nil {
		t.Fatalf("MaterializeBucket failed: %v", err)
	}
	if p == nil {
		t.Fatal("MaterializeBucket returned nil partition")
	}
	if p.Rows != 3 {
		t.Errorf("partition has %d rows, want 3", p.Rows)
	}
	if p.ViewKey != model.GlobalKey {
		t.Errorf("empty key not normalized: %q", p.ViewKey)
	}
	if p.SchemaFingerprint != h.def.Fingerprint() {
		t.Errorf("fingerprint mismatch: %s vs %s", p.SchemaFingerprint, h.def.Fingerprint())
	}
	if ok, _ := h.objects.Exists(context.Background(), p.FilePath); !ok {
		t.Errorf("partition file %s not written", p.FilePath)
	}
	if h.objects.putCount() != 1 {
		t.Errorf("storage saw %d writes, want 1", h.objects.putCount())
	}
}

func TestEngine_RepeatedMaterializationIsIdempotent(t *testing.T) {
	h := newHarness(t)
	t0 := testBucket.Start.Add(time.Second)
	h.store.addBlock(testBlock("b0", "P1", t0, t0))

	first, err := h.engine.MaterializeBucket(context.Background(), h.def, "", testBucket)
	if err != nil {
		t.Fatalf("first MaterializeBucket failed: %v", err)
	}

	second, err := h.engine.MaterializeBucket(context.Background(), h.def, "", testBucket)
	if err != nil {
		t.Fatalf("second MaterializeBucket failed: %v", err)
	}

	if second.FilePath != first.FilePath {
		t.Errorf("unchanged source produced a new file: %s vs %s", second.FilePath, first.FilePath)
	}
	if h.objects.putCount() != 1 {
		t.Errorf("storage saw %d writes, want 1 (no-op rerun must not rewrite)", h.objects.putCount())
	}

	parts, _ := h.store.ListPartitions(context.Background(), metadata.PartitionQuery{View: h.def.Name})
	if len(parts) != 1 {
		t.Errorf("metadata holds %d live partitions, want 1", len(parts))
	}
}

func TestEngine_LateBlockSupersedesBucket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	t0 := testBucket.Start.Add(time.Second)
	h.store.addBlock(testBlock("b0", "P1", t0, t0))

	first, err := h.engine.MaterializeBucket(ctx, h.def, "", testBucket)
	if err != nil {
		t.Fatalf("first MaterializeBucket failed: %v", err)
	}
	// Warm the content cache with the pre-refresh bytes.
	recs, err := h.engine.ReadPartition(ctx, first)
	if err != nil {
		t.Fatalf("ReadPartition failed: %v", err)
	}
	releaseAll(recs)

	// A block with event time inside the bucket arrives much later.
	h.store.addBlock(testBlock("late", "P1", t0.Add(10*time.Second), t0.Add(time.Hour)))

	second, err := h.engine.MaterializeBucket(ctx, h.def, "", testBucket)
	if err != nil {
		t.Fatalf("second MaterializeBucket failed: %v", err)
	}

	if second.Rows != 2 {
		t.Errorf("refreshed partition has %d rows, want 2", second.Rows)
	}
	// Same (view, key, fingerprint, bucket) rewrites the same object.
	if second.FilePath != first.FilePath {
		t.Errorf("refresh diverged from the deterministic path: %s vs %s",
			second.FilePath, first.FilePath)
	}

	live, err := h.store.GetPartition(ctx, h.def.Name, model.GlobalKey, testBucket.Start)
	if err != nil {
		t.Fatalf("GetPartition failed: %v", err)
	}
	if live.Rows != 2 || live.SourceBlocks != 2 {
		t.Errorf("live row not refreshed: rows=%d source_blocks=%d, want 2/2",
			live.Rows, live.SourceBlocks)
	}

	// A read after the refresh must not serve the cached old bytes.
	recs, err = h.engine.ReadPartition(ctx, second)
	if err != nil {
		t.Fatalf("ReadPartition after refresh failed: %v", err)
	}
	defer releaseAll(recs)
	var rows int64
	for _, rec := range recs {
		rows += rec.NumRows()
	}
	if rows != 2 {
		t.Errorf("read %d rows after refresh, want 2 (stale cached content)", rows)
	}
}

func TestEngine_DuplicateBlockContributesOnce(t *testing.T) {
	h := newHarness(t)
	t0 := testBucket.Start.Add(time.Second)
	h.store.addBlock(testBlock("b0", "P1", t0, t0))
	h.store.addBlock(testBlock("b1", "P1", t0, t0))
	// The same block id slipped past the insert race.
	h.store.addBlock(testBlock("b1", "P1", t0, t0.Add(time.Second)))

	p, err := h.engine.MaterializeBucket(context.Background(), h.def, "", testBucket)
	if err != nil {
		t.Fatalf("MaterializeBucket failed: %v", err)
	}
	if p.Rows != 2 {
		t.Errorf("partition has %d rows, want 2 (duplicate id must contribute once)", p.Rows)
	}
}

func TestEngine_EmptyBucketProducesNoPartition(t *testing.T) {
	h := newHarness(t)

	p, err := h.engine.MaterializeBucket(context.Background(), h.def, "", testBucket)
	if err != nil {
		t.Fatalf("MaterializeBucket failed: %v", err)
	}
	if p != nil {
		t.Errorf("empty bucket produced a partition: %+v", p)
	}
	if h.objects.putCount() != 0 {
		t.Errorf("empty bucket wrote %d objects", h.objects.putCount())
	}
}

func TestEngine_SchemaChangeRematerializesUnderNewFingerprint(t *testing.T) {
	h := newHarness(t)
	t0 := testBucket.Start.Add(time.Second)
	h.store.addBlock(testBlock("b0", "P1", t0, t0))

	first, err := h.engine.MaterializeBucket(context.Background(), h.def, "", testBucket)
	if err != nil {
		t.Fatalf("first MaterializeBucket failed: %v", err)
	}

	// Evolve the view's schema; fingerprint changes with it.
	evolved := blockViewDef(h.def.Name, &h.runs)
	evolved.Schema = arrow.NewSchema([]arrow.Field{
		{Name: "block_id", Type: arrow.BinaryTypes.String},
		{Name: "stream_id", Type: arrow.BinaryTypes.String},
	}, nil)
	evolved.Transform = func(ctx context.Context, in *view.Input) (*view.Output, error) {
		b := array.NewRecordBuilder(in.Mem, evolved.Schema)
		defer b.Release()
		for _, blk := range in.Blocks {
			b.Field(0).(*array.StringBuilder).Append(blk.BlockID)
			b.Field(1).(*array.StringBuilder).Append(blk.StreamID)
		}
		return &view.Output{Records: []arrow.Record{b.NewRecord()}}, nil
	}
	if err := h.engine.Registry().Register(evolved); err != nil {
		t.Fatalf("re-registering evolved view failed: %v", err)
	}
	if evolved.Fingerprint() == first.SchemaFingerprint {
		t.Fatal("schema change did not change fingerprint")
	}

	second, err := h.engine.MaterializeBucket(context.Background(), evolved, "", testBucket)
	if err != nil {
		t.Fatalf("re-materialization failed: %v", err)
	}
	if second.SchemaFingerprint != evolved.Fingerprint() {
		t.Error("new partition does not carry the new fingerprint")
	}
	if second.FilePath == first.FilePath {
		t.Error("new fingerprint reused the old object path")
	}

	live, err := h.store.GetPartition(context.Background(), h.def.Name, model.GlobalKey, testBucket.Start)
	if err != nil {
		t.Fatalf("GetPartition failed: %v", err)
	}
	if live.SchemaFingerprint != evolved.Fingerprint() {
		t.Error("stale-fingerprint partition still live after supersede")
	}
}

func TestEngine_InstanceKeyScopesBlocks(t *testing.T) {
	h := newHarness(t)
	t0 := testBucket.Start.Add(time.Second)
	h.store.addBlock(testBlock("p1-a", "P1", t0, t0))
	h.store.addBlock(testBlock("p1-b", "P1", t0, t0))
	h.store.addBlock(testBlock("p2-a", "P2", t0, t0))

	p, err := h.engine.MaterializeBucket(context.Background(), h.def, "P1", testBucket)
	if err != nil {
		t.Fatalf("MaterializeBucket failed: %v", err)
	}
	if p.Rows != 2 {
		t.Errorf("P1 instance has %d rows, want 2", p.Rows)
	}
	if p.ViewKey != "P1" {
		t.Errorf("partition key = %q, want P1", p.ViewKey)
	}
}

func TestGenerator_ConcurrentRequestsMaterializeOnce(t *testing.T) {
	h := newHarness(t)
	t0 := testBucket.Start.Add(time.Second)
	h.store.addBlock(testBlock("b0", "P1", t0, t0))

	gen := NewGenerator(h.engine)
	tr := model.TimeRange{Start: testBucket.Start, End: testBucket.End}

	const callers = 6
	results := make([][]*model.Partition, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = gen.Instance(context.Background(), h.def.Name, "P1", tr)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if len(results[i]) != 1 {
			t.Fatalf("caller %d got %d partitions, want 1", i, len(results[i]))
		}
		if results[i][0].FilePath != results[0][0].FilePath {
			t.Error("callers observed different partitions")
		}
	}
	if h.objects.putCount() != 1 {
		t.Errorf("storage saw %d writes, want exactly 1", h.objects.putCount())
	}
}

func TestGenerator_ServesFromCacheAfterFirstRequest(t *testing.T) {
	h := newHarness(t)
	t0 := testBucket.Start.Add(time.Second)
	h.store.addBlock(testBlock("b0", "P1", t0, t0))

	gen := NewGenerator(h.engine)
	tr := model.TimeRange{Start: testBucket.Start, End: testBucket.End}

	if _, err := gen.Instance(context.Background(), h.def.Name, "P1", tr); err != nil {
		t.Fatalf("first Instance failed: %v", err)
	}
	runsAfterFirst := atomic.LoadInt32(&h.runs)

	if _, err := gen.Instance(context.Background(), h.def.Name, "P1", tr); err != nil {
		t.Fatalf("second Instance failed: %v", err)
	}
	if got := atomic.LoadInt32(&h.runs); got != runsAfterFirst {
		t.Errorf("second request ran the transform (%d -> %d runs)", runsAfterFirst, got)
	}
}

func TestBucketsCovering(t *testing.T) {
	tr := model.TimeRange{
		Start: time.Date(2026, 8, 29, 10, 0, 30, 0, time.UTC),
		End:   time.Date(2026, 8, 29, 10, 3, 0, 0, time.UTC),
	}

	buckets := BucketsCovering(view.GranularityMinute, tr)
	if len(buckets) != 3 {
		t.Fatalf("got %d buckets, want 3", len(buckets))
	}
	if !buckets[0].Start.Equal(time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("first bucket starts at %s, not aligned", buckets[0].Start)
	}
	for i, b := range buckets {
		if b.End.Sub(b.Start) != time.Minute {
			t.Errorf("bucket %d has width %s", i, b.End.Sub(b.Start))
		}
	}

	if got := BucketsCovering(view.GranularityMinute, model.TimeRange{}); got != nil {
		t.Errorf("zero range produced %d buckets", len(got))
	}
}

func TestEngine_ChainedViewMaterializesFromSource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chained := &view.Definition{
		Name:        "log_stats",
		Granularity: view.GranularityMinute,
		Schema:      countSchema(),
		SourceView:  h.def.Name,
		Transform: func(ctx context.Context, in *view.Input) (*view.Output, error) {
			out := &view.Output{}
			for _, rec := range in.Source {
				rec.Retain()
				out.Records = append(out.Records, rec)
			}
			return out, nil
		},
	}
	if err := h.engine.Registry().Register(chained); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	t0 := testBucket.Start.Add(time.Second)
	h.store.addBlock(testBlock("b0", "P1", t0, t0))
	h.store.addBlock(testBlock("b1", "P1", t0.Add(time.Second), t0.Add(time.Second)))

	p, err := h.engine.MaterializeBucket(ctx, chained, "", testBucket)
	if err != nil {
		t.Fatalf("MaterializeBucket failed: %v", err)
	}
	if p == nil {
		t.Fatal("chained view produced no partition despite source rows")
	}
	if p.Rows != 2 {
		t.Errorf("chained partition has %d rows, want 2", p.Rows)
	}

	// Staleness stamps propagate from the source partitions.
	src, err := h.store.GetPartition(ctx, h.def.Name, model.GlobalKey, testBucket.Start)
	if err != nil {
		t.Fatalf("GetPartition(source) failed: %v", err)
	}
	if !p.SourceInsertTime.Equal(src.SourceInsertTime) || p.SourceBlocks != src.SourceBlocks {
		t.Errorf("chained stamp = (%s, %d), want source's (%s, %d)",
			p.SourceInsertTime, p.SourceBlocks, src.SourceInsertTime, src.SourceBlocks)
	}

	// Unchanged source: the rerun is a no-op.
	writes := h.objects.putCount()
	if _, err := h.engine.MaterializeBucket(ctx, chained, "", testBucket); err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	if got := h.objects.putCount(); got != writes {
		t.Errorf("rerun wrote %d objects", got-writes)
	}

	// A late source block flows through the chain.
	h.store.addBlock(testBlock("late", "P1", t0.Add(2*time.Second), t0.Add(time.Hour)))
	refreshed, err := h.engine.MaterializeBucket(ctx, chained, "", testBucket)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.Rows != 3 {
		t.Errorf("refreshed chained partition has %d rows, want 3", refreshed.Rows)
	}
}
