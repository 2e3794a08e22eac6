package model

import "time"

// GlobalKey is the partition key used by global (non-instance) views.
const GlobalKey = "global"

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Overlaps reports whether two half-open ranges intersect.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start.Before(other.End) && other.Start.Before(r.End)
}

// IsZero reports whether the range is unset.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Partition is the materialized output of one view for one time bucket
// (and, for instance views, one entity key).
//
// Invariant: for a given (view, key, bucket) at most one non-retired
// partition exists at any time.
type Partition struct {
	ViewName string

	// ViewKey is the entity key for instance views, GlobalKey otherwise.
	ViewKey string

	BucketStart time.Time
	BucketEnd   time.Time

	// FilePath is the deterministic object-storage path of the parquet file.
	FilePath string

	FileSize int64
	Rows     int64

	// SchemaFingerprint identifies the view schema the partition was
	// materialized under. A mismatch with the registry's current
	// fingerprint makes the partition eligible for retirement.
	SchemaFingerprint string

	// SourceInsertTime is the max insert_time over the contributing
	// blocks. Used to skip re-materializing an up-to-date bucket.
	SourceInsertTime time.Time

	// SourceBlocks is the number of blocks that contributed rows.
	SourceBlocks int64

	Retired   bool
	RetiredAt time.Time

	InsertTime time.Time
}

// Bucket returns the partition's time bucket.
func (p *Partition) Bucket() TimeRange {
	return TimeRange{Start: p.BucketStart, End: p.BucketEnd}
}
