package materialize

import (
	"context"

	"github.com/tracelake/tracelake/internal/model"
	"github.com/tracelake/tracelake/pkg/cache"
	"github.com/tracelake/tracelake/pkg/view"
)

// Generator serves per-entity view instances just in time. A query
// names (view, key, range); the generator returns the partitions that
// cover the range, materializing any missing or stale bucket through
// the engine's lease table so concurrent queries share one flight.
type Generator struct {
	engine *Engine
	parts  *cache.PartitionCache
}

// NewGenerator creates a JIT generator backed by the engine.
func NewGenerator(engine *Engine) *Generator {
	return &Generator{engine: engine, parts: engine.parts}
}

// Instance returns the current partitions of a view instance covering
// the range, in ascending bucket order. Buckets with no source data
// produce no partition and are simply absent from the result.
func (g *Generator) Instance(ctx context.Context, viewName, key string, tr model.TimeRange) ([]*model.Partition, error) {
	def, err := g.engine.Registry().Get(viewName)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = model.GlobalKey
	}

	var out []*model.Partition
	for _, bucket := range BucketsCovering(def.Granularity, tr) {
		p, err := g.bucketPartition(ctx, def, key, bucket)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// bucketPartition resolves one bucket: partition cache, then metadata
// store, then a fresh materialization. A cached or stored partition
// with a stale schema fingerprint is treated as missing so the current
// definition supersedes it.
func (g *Generator) bucketPartition(ctx context.Context, def *view.Definition, key string, bucket model.TimeRange) (*model.Partition, error) {
	if cached, ok := g.parts.Get(def.Name, key, bucket.Start); ok {
		if p := currentOf(cached, def.Fingerprint()); p != nil {
			return p, nil
		}
	}

	if p := g.engine.livePartition(ctx, def, key, bucket.Start); p != nil {
		g.parts.Put(def.Name, key, bucket.Start, []*model.Partition{p})
		return p, nil
	}

	return g.engine.MaterializeBucket(ctx, def, key, bucket)
}

func currentOf(parts []*model.Partition, fingerprint string) *model.Partition {
	for _, p := range parts {
		if !p.Retired && p.SchemaFingerprint == fingerprint {
			return p
		}
	}
	return nil
}
