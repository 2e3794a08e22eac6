// Package view holds declarative view definitions and the registry that
// materialization interprets. Views are configuration, not code: one
// generic algorithm runs any definition.
package view

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"github.com/tracelake/tracelake/internal/model"
)

// Granularity is the time bucketing of a view's partitions.
type Granularity string

const (
	GranularitySecond Granularity = "second"
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"

	// GranularityInstance marks a JIT view keyed by an entity id,
	// materialized on demand rather than on a schedule.
	GranularityInstance Granularity = "instance"
)

// Duration returns the bucket width. Instance views partition their
// on-demand output in hour buckets.
func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularitySecond:
		return time.Second
	case GranularityMinute:
		return time.Minute
	case GranularityHour, GranularityInstance:
		return time.Hour
	case GranularityDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Truncate aligns t down to a bucket boundary.
func (g Granularity) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(g.Duration())
}

// BucketAt returns the bucket containing t.
func (g Granularity) BucketAt(t time.Time) model.TimeRange {
	start := g.Truncate(t)
	return model.TimeRange{Start: start, End: start.Add(g.Duration())}
}

// MetadataSource is the slice of the metadata store that transforms may
// read. Satisfied by *metadata.Store.
type MetadataSource interface {
	ListProcesses(ctx context.Context, updateRange model.TimeRange) ([]*model.Process, error)
	ListStreamsForProcess(ctx context.Context, processID string, kind model.StreamKind) ([]*model.Stream, error)
	ListStreamsInserted(ctx context.Context, insertRange model.TimeRange) ([]*model.Stream, error)
	ListBlocksInserted(ctx context.Context, kind model.StreamKind, insertRange model.TimeRange) ([]*model.Block, error)
	ListBlocksOverlapping(ctx context.Context, kind model.StreamKind, processID string, bucket model.TimeRange) ([]*model.Block, error)
}

// BlockDecoder turns one block's payload into rows of a view's output
// schema, restricted to the given event-time bucket. The engine never
// parses payloads itself; ingestion registers decoders for the streams
// it writes.
type BlockDecoder interface {
	// Decode returns records conforming to schema. The caller owns the
	// returned records and must Release them.
	Decode(ctx context.Context, block *model.Block, bucket model.TimeRange, schema *arrow.Schema, mem memory.Allocator) ([]arrow.Record, error)
}

// Input carries everything a transform may read for one bucket.
type Input struct {
	Def    *Definition
	Key    string
	Bucket model.TimeRange

	// Blocks are the source blocks overlapping the bucket, ordered by
	// insert time. Set when the definition reads raw blocks.
	Blocks []*model.Block

	// Source holds the source view's materialized records for the
	// bucket. Set when the definition chains off another view.
	Source []arrow.Record

	// Meta gives metadata-backed views access to the store.
	Meta MetadataSource

	// Decoder decodes block payloads, when one is registered.
	Decoder BlockDecoder

	Mem memory.Allocator
}

// Output is the result of one transform run.
type Output struct {
	// Records conform to the definition's schema. Ownership passes to
	// the caller.
	Records []arrow.Record

	// SourceInsertTime is the max insert_time over the contributing
	// source rows; SourceCount is how many contributed. When the
	// transform leaves them zero, the engine fills both from
	// Input.Blocks, or from the resolved source partitions for
	// chained views.
	SourceInsertTime time.Time
	SourceCount      int64
}

// Rows sums the record row counts.
func (o *Output) Rows() int64 {
	var n int64
	for _, rec := range o.Records {
		n += rec.NumRows()
	}
	return n
}

// Release releases all output records.
func (o *Output) Release() {
	for _, rec := range o.Records {
		rec.Release()
	}
	o.Records = nil
}

// TransformFunc derives a bucket's rows from its source.
type TransformFunc func(ctx context.Context, in *Input) (*Output, error)

// Definition declares one view: output schema, source, granularity and
// the transform that derives rows.
type Definition struct {
	// Name is the canonical table name exposed to the query engine.
	Name string

	Granularity Granularity

	// Schema is the declared output schema.
	Schema *arrow.Schema

	// SourceView names another registered view whose materialized
	// output feeds this one. Empty means the view reads raw blocks
	// and/or metadata directly.
	SourceView string

	// BlockKind scopes raw-block resolution to one telemetry kind.
	// Empty with an empty SourceView means metadata-only.
	BlockKind model.StreamKind

	Transform TransformFunc

	fingerprint string
}

// Fingerprint identifies the schema version of the definition.
// Partitions materialized under a different fingerprint are
// incompatible and get retired.
func (d *Definition) Fingerprint() string {
	if d.fingerprint == "" {
		d.fingerprint = computeFingerprint(d)
	}
	return d.fingerprint
}

func computeFingerprint(d *Definition) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|", d.Name, d.Granularity, d.SourceView, d.BlockKind)
	if d.Schema != nil {
		h.Write([]byte(d.Schema.String()))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// IsInstance reports whether the view is JIT-materialized per entity.
func (d *Definition) IsInstance() bool {
	return d.Granularity == GranularityInstance
}

// Validate checks structural requirements before registration.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("view name is required")
	}
	if d.Schema == nil || len(d.Schema.Fields()) == 0 {
		return fmt.Errorf("view %s: output schema is required", d.Name)
	}
	if d.Transform == nil {
		return fmt.Errorf("view %s: transform is required", d.Name)
	}
	switch d.Granularity {
	case GranularitySecond, GranularityMinute, GranularityHour, GranularityDay, GranularityInstance:
	default:
		return fmt.Errorf("view %s: unknown granularity %q", d.Name, d.Granularity)
	}
	return nil
}
