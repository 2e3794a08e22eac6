// Package materialize turns raw block metadata into deduplicated,
// schema-versioned columnar partitions: on a schedule for global views,
// on demand for per-entity instances. One generic algorithm interprets
// any registered view definition.
package materialize

import (
	"context"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tracelake/tracelake/internal/model"
	"github.com/tracelake/tracelake/pkg/cache"
	lkerrors "github.com/tracelake/tracelake/pkg/errors"
	"github.com/tracelake/tracelake/pkg/interfaces"
	"github.com/tracelake/tracelake/pkg/metadata"
	"github.com/tracelake/tracelake/pkg/partition"
	"github.com/tracelake/tracelake/pkg/view"
)

// MetadataStore is the slice of the metadata store the engine needs.
// Satisfied by *metadata.Store.
type MetadataStore interface {
	view.MetadataSource
	GetPartition(ctx context.Context, view, key string, bucketStart time.Time) (*model.Partition, error)
	AddPartition(ctx context.Context, p *model.Partition) error
	ListPartitions(ctx context.Context, q metadata.PartitionQuery) ([]*model.Partition, error)
}

// Config tunes the engine's concurrency and retry behavior.
type Config struct {
	// LeaseWait bounds how long a caller waits on an in-flight
	// materialization of the same bucket.
	LeaseWait time.Duration

	// WriteRetries and WriteBackoff control object-storage retry.
	WriteRetries int
	WriteBackoff time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LeaseWait:    30 * time.Second,
		WriteRetries: 3,
		WriteBackoff: 500 * time.Millisecond,
	}
}

// Engine materializes view buckets. Shared by the scheduled tasks and
// the JIT generator so both paths run the exact same logic.
type Engine struct {
	store    MetadataStore
	objects  interfaces.ObjectStorage
	registry *view.Registry
	parts    *cache.PartitionCache
	content  *cache.ContentCache
	leases   *leaseTable
	mem      memory.Allocator
	tracer   trace.Tracer
	cfg      Config
}

// NewEngine creates a materialization engine.
func NewEngine(store MetadataStore, objects interfaces.ObjectStorage, registry *view.Registry,
	parts *cache.PartitionCache, content *cache.ContentCache, cfg Config) *Engine {
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 1
	}
	if cfg.WriteBackoff <= 0 {
		cfg.WriteBackoff = 100 * time.Millisecond
	}
	return &Engine{
		store:    store,
		objects:  objects,
		registry: registry,
		parts:    parts,
		content:  content,
		leases:   newLeaseTable(cfg.LeaseWait),
		mem:      memory.NewGoAllocator(),
		tracer:   otel.Tracer("tracelake/materialize"),
		cfg:      cfg,
	}
}

// Registry returns the view registry the engine interprets.
func (e *Engine) Registry() *view.Registry {
	return e.registry
}

// MaterializeBucket derives one bucket of one view under its lease.
// Concurrent callers for the same (view, key, bucket) coalesce onto a
// single flight and share its result; the flight survives caller
// cancellation so later requesters find a warm cache.
//
// Returns nil without error when the bucket has no source rows.
func (e *Engine) MaterializeBucket(ctx context.Context, def *view.Definition, key string, bucket model.TimeRange) (*model.Partition, error) {
	if key == "" {
		key = model.GlobalKey
	}

	flightCtx := context.WithoutCancel(ctx)
	return e.leases.do(ctx, leaseKey(def.Name, key, bucket.Start), func() (*model.Partition, error) {
		return e.materialize(flightCtx, def, key, bucket)
	})
}

func (e *Engine) materialize(ctx context.Context, def *view.Definition, key string, bucket model.TimeRange) (*model.Partition, error) {
	// Flight id correlates racing materializers across traces and logs.
	ctx, span := e.tracer.Start(ctx, "materialize.bucket", trace.WithAttributes(
		attribute.String("flight_id", uuid.NewString()),
		attribute.String("view", def.Name),
		attribute.String("key", key),
		attribute.String("bucket_start", bucket.Start.UTC().Format(time.RFC3339)),
	))
	defer span.End()

	existing := e.livePartition(ctx, def, key, bucket.Start)

	in := &view.Input{
		Def:     def,
		Key:     key,
		Bucket:  bucket,
		Meta:    e.store,
		Decoder: e.registry.Decoder(def.Name),
		Mem:     e.mem,
	}

	// Resolve source rows for the bucket.
	var (
		srcStamp time.Time
		srcCount int64
	)
	switch {
	case def.SourceView != "":
		records, stamp, count, err := e.resolveSource(ctx, def, key, bucket)
		if err != nil {
			return nil, err
		}
		defer releaseAll(records)
		in.Source = records
		srcStamp, srcCount = stamp, count
		if existing != nil && upToDate(existing, stamp, count) {
			return existing, nil
		}

	case def.BlockKind != "":
		processID := ""
		if key != model.GlobalKey {
			processID = key
		}
		blocks, err := e.store.ListBlocksOverlapping(ctx, def.BlockKind, processID, bucket)
		if err != nil {
			return nil, err
		}
		// A re-submitted block id must contribute exactly once.
		in.Blocks = dedupBlocks(blocks)

		stamp, count := blockStamp(in.Blocks)
		if existing != nil && upToDate(existing, stamp, count) {
			return existing, nil
		}
	}

	out, err := def.Transform(ctx, in)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer out.Release()

	if out.SourceInsertTime.IsZero() {
		switch {
		case len(in.Blocks) > 0:
			out.SourceInsertTime, out.SourceCount = blockStamp(in.Blocks)
		case srcCount > 0:
			out.SourceInsertTime, out.SourceCount = srcStamp, srcCount
		}
	}
	if out.SourceCount == 0 {
		// Empty bucket: nothing to write, keep whatever exists.
		return existing, nil
	}
	if existing != nil && upToDate(existing, out.SourceInsertTime, out.SourceCount) {
		return existing, nil
	}

	path := partition.ObjectPath(def.Name, key, def.Fingerprint(), bucket)
	size, err := e.writeWithRetry(ctx, path, def.Schema, out.Records)
	if err != nil {
		// Prior partition (if any) is untouched; the next tick retries.
		span.RecordError(err)
		return nil, err
	}

	part := &model.Partition{
		ViewName:          def.Name,
		ViewKey:           key,
		BucketStart:       bucket.Start,
		BucketEnd:         bucket.End,
		FilePath:          path,
		FileSize:          size,
		Rows:              out.Rows(),
		SchemaFingerprint: def.Fingerprint(),
		SourceInsertTime:  out.SourceInsertTime,
		SourceBlocks:      out.SourceCount,
	}
	if err := e.store.AddPartition(ctx, part); err != nil {
		return nil, err
	}

	// Publish to the derived-state caches only after the metadata
	// commit. A refresh rewrites the object at its deterministic path,
	// so any cached bytes for it are stale.
	e.content.Invalidate(part.FilePath)
	if existing != nil && existing.FilePath != part.FilePath {
		e.content.Invalidate(existing.FilePath)
	}
	e.parts.Put(def.Name, key, bucket.Start, []*model.Partition{part})

	span.SetAttributes(attribute.Int64("rows", part.Rows))
	return part, nil
}

// livePartition returns the current partition for the bucket if its
// fingerprint matches the definition. A mismatched fingerprint is
// treated as missing so re-materialization supersedes it.
func (e *Engine) livePartition(ctx context.Context, def *view.Definition, key string, bucketStart time.Time) *model.Partition {
	p, err := e.store.GetPartition(ctx, def.Name, key, bucketStart)
	if err != nil || p == nil {
		return nil
	}
	if p.SchemaFingerprint != def.Fingerprint() {
		return nil
	}
	return p
}

// resolveSource materializes and reads the source view's buckets
// covering the requested range (views chain into a DAG).
func (e *Engine) resolveSource(ctx context.Context, def *view.Definition, key string, bucket model.TimeRange) ([]arrow.Record, time.Time, int64, error) {
	srcDef, err := e.registry.Get(def.SourceView)
	if err != nil {
		return nil, time.Time{}, 0, err
	}

	var (
		records []arrow.Record
		stamp   time.Time
		count   int64
	)
	for _, srcBucket := range BucketsCovering(srcDef.Granularity, bucket) {
		p, err := e.MaterializeBucket(ctx, srcDef, key, srcBucket)
		if err != nil {
			releaseAll(records)
			return nil, time.Time{}, 0, err
		}
		if p == nil {
			continue
		}
		recs, err := e.ReadPartition(ctx, p)
		if err != nil {
			releaseAll(records)
			return nil, time.Time{}, 0, err
		}
		records = append(records, recs...)
		if p.SourceInsertTime.After(stamp) {
			stamp = p.SourceInsertTime
		}
		count += p.SourceBlocks
	}
	return records, stamp, count, nil
}

// ReadPartition returns a partition's records, serving bytes from the
// content cache when hot. The caller owns the records.
func (e *Engine) ReadPartition(ctx context.Context, p *model.Partition) ([]arrow.Record, error) {
	if data, ok := e.content.Get(p.FilePath); ok {
		return partition.Decode(ctx, e.mem, data)
	}

	data, err := partition.Fetch(ctx, e.objects, p.FilePath)
	if err != nil {
		return nil, err
	}
	e.content.Put(p.FilePath, data)
	return partition.Decode(ctx, e.mem, data)
}

// writeWithRetry uploads the partition file with bounded backoff.
func (e *Engine) writeWithRetry(ctx context.Context, path string, schema *arrow.Schema, records []arrow.Record) (int64, error) {
	backoff := e.cfg.WriteBackoff

	var lastErr error
	for attempt := 0; attempt < e.cfg.WriteRetries; attempt++ {
		size, err := partition.Write(ctx, e.objects, path, schema, records)
		if err == nil {
			return size, nil
		}
		lastErr = err
		if !lkerrors.IsRetryable(err) {
			break
		}

		select {
		case <-ctx.Done():
			return 0, lkerrors.Wrap(ctx.Err(), lkerrors.CodeContextCanceled, "write interrupted")
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return 0, lastErr
}

// BucketsCovering splits a time range into granularity-aligned buckets.
func BucketsCovering(g view.Granularity, tr model.TimeRange) []model.TimeRange {
	var out []model.TimeRange
	d := g.Duration()
	for start := g.Truncate(tr.Start); start.Before(tr.End); start = start.Add(d) {
		out = append(out, model.TimeRange{Start: start, End: start.Add(d)})
	}
	return out
}

func upToDate(p *model.Partition, stamp time.Time, count int64) bool {
	return p.SourceInsertTime.Equal(stamp) && p.SourceBlocks == count
}

// blockStamp summarizes a block set for staleness comparison.
func blockStamp(blocks []*model.Block) (time.Time, int64) {
	var stamp time.Time
	for _, b := range blocks {
		if b.InsertTime.After(stamp) {
			stamp = b.InsertTime
		}
	}
	return stamp, int64(len(blocks))
}

func dedupBlocks(blocks []*model.Block) []*model.Block {
	seen := make(map[string]bool, len(blocks))
	out := blocks[:0]
	for _, b := range blocks {
		if seen[b.BlockID] {
			continue
		}
		seen[b.BlockID] = true
		out = append(out, b)
	}
	return out
}

func releaseAll(records []arrow.Record) {
	for _, rec := range records {
		rec.Release()
	}
}
