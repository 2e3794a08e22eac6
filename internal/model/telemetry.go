// Package model defines core data structures for TraceLake.
package model

import "time"

// Process represents one instrumented program instance.
// Created on first block received; read-only afterward except for
// LastUpdateTime and accumulated Properties.
type Process struct {
	// ProcessID uniquely identifies the process instance.
	ProcessID string

	// Exe is the executable name reported by the instrumentation.
	Exe string

	// StartTime is the wall-clock start of the process.
	StartTime time.Time

	// StartTicks is the clock tick counter at StartTime.
	StartTicks int64

	// TscFrequency is the tick frequency used to convert ticks to time.
	TscFrequency int64

	// ParentProcessID links to a parent process, if any.
	ParentProcessID string

	// Properties holds free-form key/value metadata.
	Properties map[string]string

	// LastUpdateTime is bumped whenever a new block arrives.
	LastUpdateTime time.Time

	// InsertTime is when the record was committed to the metadata store.
	InsertTime time.Time
}

// StreamKind identifies the telemetry payload carried by a stream.
type StreamKind string

const (
	StreamKindLog     StreamKind = "log"
	StreamKindMetrics StreamKind = "metrics"
	StreamKindSpans   StreamKind = "spans"
)

// Stream is a sequence of blocks from one process for one telemetry kind.
type Stream struct {
	StreamID  string
	ProcessID string
	Kind      StreamKind

	// Tags are declared at stream creation (e.g. thread name).
	Tags []string

	Properties map[string]string

	// DependenciesMetadata and ObjectsMetadata describe how to decode
	// the stream's payload. Opaque to this engine.
	DependenciesMetadata []byte
	ObjectsMetadata      []byte

	InsertTime time.Time
}

// Block is an opaque, time-bounded chunk of encoded events in a stream.
// Immutable once written. InsertTime, not BeginTime, governs which
// materialization window a block belongs to: ingestion is monotonic in
// insertion order only.
type Block struct {
	BlockID   string
	StreamID  string
	ProcessID string

	BeginTime  time.Time
	EndTime    time.Time
	BeginTicks int64
	EndTicks   int64

	// NbObjects is the number of encoded events in the payload.
	NbObjects int32

	// PayloadOffset and PayloadSize locate the payload in block storage.
	PayloadOffset int64
	PayloadSize   int64

	InsertTime time.Time
}

// Overlaps reports whether the block's event-time range intersects
// [start, end).
func (b *Block) Overlaps(start, end time.Time) bool {
	return b.BeginTime.Before(end) && b.EndTime.After(start)
}
