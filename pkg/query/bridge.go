// Package query bridges the query engine to materialized partitions.
// It exposes scans over a view's current partitions plus the callable
// administration functions (instance materialization, forced refresh,
// retirement, partition listing).
package query

import (
	"context"

	"github.com/apache/arrow/go/v14/arrow"

	"github.com/tracelake/tracelake/internal/model"
	"github.com/tracelake/tracelake/pkg/cache"
	lkerrors "github.com/tracelake/tracelake/pkg/errors"
	"github.com/tracelake/tracelake/pkg/materialize"
	"github.com/tracelake/tracelake/pkg/metadata"
	"github.com/tracelake/tracelake/pkg/view"
)

// ScanRequest names what to read. Key is empty for global views. A
// zero Limit means unlimited.
type ScanRequest struct {
	View  string
	Key   string
	Range model.TimeRange
	Limit int64
}

// TableInfo describes one queryable view for the catalog.
type TableInfo struct {
	Name        string
	Granularity view.Granularity
	Schema      *arrow.Schema
	Instance    bool
}

// Bridge serves scans and admin calls on top of the engine.
type Bridge struct {
	engine *materialize.Engine
	gen    *materialize.Generator
	store  *metadata.Store
	parts  *cache.PartitionCache
}

// NewBridge creates a query bridge.
func NewBridge(engine *materialize.Engine, gen *materialize.Generator, store *metadata.Store, parts *cache.PartitionCache) *Bridge {
	return &Bridge{engine: engine, gen: gen, store: store, parts: parts}
}

// Tables lists the registered views as catalog entries.
func (b *Bridge) Tables() []TableInfo {
	defs := b.engine.Registry().List()
	out := make([]TableInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, TableInfo{
			Name:        def.Name,
			Granularity: def.Granularity,
			Schema:      def.Schema,
			Instance:    def.IsInstance(),
		})
	}
	return out
}

// Scan reads the view's rows over the time range in ascending bucket
// order. Instance views materialize missing buckets just in time;
// global views read only what the scheduler has already produced. A
// view with no partitions in range yields an empty result, never an
// error. The caller owns the returned records.
func (b *Bridge) Scan(ctx context.Context, req ScanRequest) ([]arrow.Record, error) {
	def, err := b.engine.Registry().Get(req.View)
	if err != nil {
		return nil, err
	}

	parts, err := b.scanPartitions(ctx, def, req)
	if err != nil {
		return nil, err
	}

	var (
		records []arrow.Record
		rows    int64
	)
	for _, p := range parts {
		recs, err := b.engine.ReadPartition(ctx, p)
		if err != nil {
			releaseAll(records)
			return nil, err
		}
		for _, rec := range recs {
			if req.Limit > 0 && rows >= req.Limit {
				rec.Release()
				continue
			}
			if req.Limit > 0 && rows+rec.NumRows() > req.Limit {
				sliced := rec.NewSlice(0, req.Limit-rows)
				rec.Release()
				rec = sliced
			}
			rows += rec.NumRows()
			records = append(records, rec)
		}
		if req.Limit > 0 && rows >= req.Limit {
			break
		}
	}
	return records, nil
}

func (b *Bridge) scanPartitions(ctx context.Context, def *view.Definition, req ScanRequest) ([]*model.Partition, error) {
	if def.IsInstance() {
		return b.gen.Instance(ctx, def.Name, req.Key, req.Range)
	}

	parts, err := b.store.ListPartitions(ctx, metadata.PartitionQuery{
		View:        def.Name,
		Key:         model.GlobalKey,
		Range:       req.Range,
		Fingerprint: def.Fingerprint(),
	})
	if err != nil {
		if lkerrors.IsCode(err, lkerrors.CodePartitionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return parts, nil
}

// ViewInstance materializes and returns the partitions of one view
// instance over the range. Callable as view_instance(view, key).
func (b *Bridge) ViewInstance(ctx context.Context, viewName, key string, tr model.TimeRange) ([]*model.Partition, error) {
	return b.gen.Instance(ctx, viewName, key, tr)
}

// MaterializeNow refreshes every bucket of a global view covering the
// range, bypassing the scheduler's watermark. Callable as
// materialize_now(view).
func (b *Bridge) MaterializeNow(ctx context.Context, viewName string, tr model.TimeRange) ([]*model.Partition, error) {
	def, err := b.engine.Registry().Get(viewName)
	if err != nil {
		return nil, err
	}

	var out []*model.Partition
	for _, bucket := range materialize.BucketsCovering(def.Granularity, tr) {
		p, err := b.engine.MaterializeBucket(ctx, def, model.GlobalKey, bucket)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// RetirePartitions retires every live partition of the view carrying
// the given fingerprint. Callable as retire_partitions(view,
// fingerprint).
func (b *Bridge) RetirePartitions(ctx context.Context, viewName, fingerprint string) (int64, error) {
	n, err := b.store.RetireMatching(ctx, metadata.PartitionQuery{
		View:        viewName,
		Fingerprint: fingerprint,
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.parts.InvalidateView(viewName)
	}
	return n, nil
}

// ListPartitions exposes the partition listing to operators. Callable
// as list_partitions(filter).
func (b *Bridge) ListPartitions(ctx context.Context, q metadata.PartitionQuery) ([]*model.Partition, error) {
	return b.store.ListPartitions(ctx, q)
}

func releaseAll(records []arrow.Record) {
	for _, rec := range records {
		rec.Release()
	}
}
