package view

import (
	"context"
	"encoding/json"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"

	"github.com/tracelake/tracelake/internal/model"
	lkerrors "github.com/tracelake/tracelake/pkg/errors"
)

// Canonical global view names exposed to the query engine.
const (
	ViewProcesses   = "processes"
	ViewStreams     = "streams"
	ViewBlocks      = "blocks"
	ViewLogEntries  = "log_entries"
	ViewMeasures    = "measures"
	ViewThreadSpans = "thread_spans"
	ViewAsyncEvents = "async_events"
)

var tsType = arrow.FixedWidthTypes.Timestamp_ns

// ProcessesSchema is the output schema of the processes metadata view.
func ProcessesSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "process_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "exe", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "start_time", Type: tsType, Nullable: false},
		{Name: "parent_process_id", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "properties", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "last_update_time", Type: tsType, Nullable: false},
		{Name: "insert_time", Type: tsType, Nullable: false},
	}, nil)
}

// StreamsSchema is the output schema of the streams metadata view.
func StreamsSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "stream_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "process_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "kind", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "tags", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "insert_time", Type: tsType, Nullable: false},
	}, nil)
}

// BlocksSchema is the output schema of the blocks metadata view.
func BlocksSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "block_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "stream_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "process_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "begin_time", Type: tsType, Nullable: false},
		{Name: "end_time", Type: tsType, Nullable: false},
		{Name: "nb_objects", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "payload_size", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "insert_time", Type: tsType, Nullable: false},
	}, nil)
}

// LogEntriesSchema is the output schema of the log view.
func LogEntriesSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "time", Type: tsType, Nullable: false},
		{Name: "process_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "stream_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "level", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "target", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "msg", Type: arrow.BinaryTypes.String, Nullable: false},
	}, nil)
}

// MeasuresSchema is the output schema of the numeric measures view.
func MeasuresSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "time", Type: tsType, Nullable: false},
		{Name: "process_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "unit", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	}, nil)
}

// ThreadSpansSchema is the output schema of the synchronous span view.
func ThreadSpansSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "span_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "parent_span_id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "process_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "depth", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "begin_time", Type: tsType, Nullable: false},
		{Name: "end_time", Type: tsType, Nullable: false},
		{Name: "duration_ns", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "target", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "filename", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "line", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	}, nil)
}

// AsyncEventsSchema is the output schema of the async span event view.
func AsyncEventsSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "time", Type: tsType, Nullable: false},
		{Name: "event_type", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "span_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "parent_span_id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "process_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "target", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
}

// RegisterBuiltins registers the canonical global views.
func RegisterBuiltins(r *Registry) error {
	defs := []*Definition{
		{
			Name:        ViewProcesses,
			Granularity: GranularityMinute,
			Schema:      ProcessesSchema(),
			Transform:   transformProcesses,
		},
		{
			Name:        ViewStreams,
			Granularity: GranularityMinute,
			Schema:      StreamsSchema(),
			Transform:   transformStreams,
		},
		{
			Name:        ViewBlocks,
			Granularity: GranularityMinute,
			Schema:      BlocksSchema(),
			Transform:   transformBlocks,
		},
		{
			Name:        ViewLogEntries,
			Granularity: GranularityMinute,
			Schema:      LogEntriesSchema(),
			BlockKind:   model.StreamKindLog,
			Transform:   DecodeBlocksTransform,
		},
		{
			Name:        ViewMeasures,
			Granularity: GranularityMinute,
			Schema:      MeasuresSchema(),
			BlockKind:   model.StreamKindMetrics,
			Transform:   DecodeBlocksTransform,
		},
		{
			Name:        ViewThreadSpans,
			Granularity: GranularityHour,
			Schema:      ThreadSpansSchema(),
			BlockKind:   model.StreamKindSpans,
			Transform:   DecodeBlocksTransform,
		},
		{
			Name:        ViewAsyncEvents,
			Granularity: GranularityHour,
			Schema:      AsyncEventsSchema(),
			BlockKind:   model.StreamKindSpans,
			Transform:   DecodeBlocksTransform,
		},
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// DecodeBlocksTransform is the generic transform for block-backed event
// views: decode each source block's payload into rows of the view
// schema. An empty bucket produces an empty output, not an error.
func DecodeBlocksTransform(ctx context.Context, in *Input) (*Output, error) {
	if len(in.Blocks) == 0 {
		return &Output{}, nil
	}
	if in.Decoder == nil {
		return nil, lkerrors.New(lkerrors.CodeTransformFailed, "no payload decoder registered").
			WithContext("view", in.Def.Name)
	}

	out := &Output{}
	for _, b := range in.Blocks {
		recs, err := in.Decoder.Decode(ctx, b, in.Bucket, in.Def.Schema, in.Mem)
		if err != nil {
			out.Release()
			return nil, lkerrors.Wrap(err, lkerrors.CodeTransformFailed, "block decode failed").
				WithContext("view", in.Def.Name).
				WithContext("block_id", b.BlockID)
		}
		out.Records = append(out.Records, recs...)
	}
	return out, nil
}

// transformProcesses derives the processes metadata view: one row per
// process whose last_update_time falls in the bucket.
func transformProcesses(ctx context.Context, in *Input) (*Output, error) {
	procs, err := in.Meta.ListProcesses(ctx, in.Bucket)
	if err != nil {
		return nil, err
	}
	if len(procs) == 0 {
		return &Output{}, nil
	}

	rb := array.NewRecordBuilder(in.Mem, in.Def.Schema)
	defer rb.Release()

	out := &Output{SourceCount: int64(len(procs))}
	for _, p := range procs {
		rb.Field(0).(*array.StringBuilder).Append(p.ProcessID)
		rb.Field(1).(*array.StringBuilder).Append(p.Exe)
		rb.Field(2).(*array.TimestampBuilder).Append(arrow.Timestamp(p.StartTime.UnixNano()))
		appendNullableString(rb.Field(3).(*array.StringBuilder), p.ParentProcessID)
		appendNullableString(rb.Field(4).(*array.StringBuilder), marshalProps(p.Properties))
		rb.Field(5).(*array.TimestampBuilder).Append(arrow.Timestamp(p.LastUpdateTime.UnixNano()))
		rb.Field(6).(*array.TimestampBuilder).Append(arrow.Timestamp(p.InsertTime.UnixNano()))

		if p.InsertTime.After(out.SourceInsertTime) {
			out.SourceInsertTime = p.InsertTime
		}
	}

	out.Records = []arrow.Record{rb.NewRecord()}
	return out, nil
}

// transformStreams derives the streams metadata view from streams
// inserted within the bucket.
func transformStreams(ctx context.Context, in *Input) (*Output, error) {
	streams, err := in.Meta.ListStreamsInserted(ctx, in.Bucket)
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return &Output{}, nil
	}

	rb := array.NewRecordBuilder(in.Mem, in.Def.Schema)
	defer rb.Release()

	out := &Output{SourceCount: int64(len(streams))}
	for _, st := range streams {
		rb.Field(0).(*array.StringBuilder).Append(st.StreamID)
		rb.Field(1).(*array.StringBuilder).Append(st.ProcessID)
		rb.Field(2).(*array.StringBuilder).Append(string(st.Kind))
		appendNullableString(rb.Field(3).(*array.StringBuilder), marshalTags(st.Tags))
		rb.Field(4).(*array.TimestampBuilder).Append(arrow.Timestamp(st.InsertTime.UnixNano()))

		if st.InsertTime.After(out.SourceInsertTime) {
			out.SourceInsertTime = st.InsertTime
		}
	}

	out.Records = []arrow.Record{rb.NewRecord()}
	return out, nil
}

// transformBlocks derives the blocks metadata view from block envelopes
// inserted within the bucket. Payloads stay opaque.
func transformBlocks(ctx context.Context, in *Input) (*Output, error) {
	blocks, err := in.Meta.ListBlocksInserted(ctx, "", in.Bucket)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return &Output{}, nil
	}

	rb := array.NewRecordBuilder(in.Mem, in.Def.Schema)
	defer rb.Release()

	out := &Output{SourceCount: int64(len(blocks))}
	for _, b := range blocks {
		rb.Field(0).(*array.StringBuilder).Append(b.BlockID)
		rb.Field(1).(*array.StringBuilder).Append(b.StreamID)
		rb.Field(2).(*array.StringBuilder).Append(b.ProcessID)
		rb.Field(3).(*array.TimestampBuilder).Append(arrow.Timestamp(b.BeginTime.UnixNano()))
		rb.Field(4).(*array.TimestampBuilder).Append(arrow.Timestamp(b.EndTime.UnixNano()))
		rb.Field(5).(*array.Int32Builder).Append(b.NbObjects)
		rb.Field(6).(*array.Int64Builder).Append(b.PayloadSize)
		rb.Field(7).(*array.TimestampBuilder).Append(arrow.Timestamp(b.InsertTime.UnixNano()))

		if b.InsertTime.After(out.SourceInsertTime) {
			out.SourceInsertTime = b.InsertTime
		}
	}

	out.Records = []arrow.Record{rb.NewRecord()}
	return out, nil
}

func appendNullableString(b *array.StringBuilder, s string) {
	if s == "" {
		b.AppendNull()
		return
	}
	b.Append(s)
}

func marshalProps(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	data, err := json.Marshal(props)
	if err != nil {
		return ""
	}
	return string(data)
}

func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return ""
	}
	return string(data)
}
