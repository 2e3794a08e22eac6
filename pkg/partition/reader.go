package partition

import (
	"bytes"
	"context"
	"io"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	lkerrors "github.com/tracelake/tracelake/pkg/errors"
	"github.com/tracelake/tracelake/pkg/interfaces"
)

// readBatchRows is the record batch size used when decoding partitions.
const readBatchRows = 8192

// Fetch downloads a partition file's raw bytes.
func Fetch(ctx context.Context, store interfaces.ObjectStorage, path string) ([]byte, error) {
	rc, err := store.Get(ctx, path)
	if err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeStorageReadFailed, "failed to open partition object").
			WithContext("path", path)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeStorageReadFailed, "failed to read partition object").
			WithContext("path", path)
	}
	return data, nil
}

// Decode parses a parquet payload into arrow records. The caller owns
// the returned records and must Release them.
func Decode(ctx context.Context, mem memory.Allocator, data []byte) ([]arrow.Record, error) {
	pf, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeStorageReadFailed, "failed to open parquet payload")
	}
	defer pf.Close()

	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: readBatchRows}, mem)
	if err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeStorageReadFailed, "failed to create arrow reader")
	}

	table, err := reader.ReadTable(ctx)
	if err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeStorageReadFailed, "failed to read parquet table")
	}
	defer table.Release()

	tr := array.NewTableReader(table, readBatchRows)
	defer tr.Release()

	var records []arrow.Record
	for tr.Next() {
		rec := tr.Record()
		rec.Retain()
		records = append(records, rec)
	}
	return records, nil
}

// Read fetches and decodes a partition file.
func Read(ctx context.Context, store interfaces.ObjectStorage, mem memory.Allocator, path string) ([]arrow.Record, error) {
	data, err := Fetch(ctx, store, path)
	if err != nil {
		return nil, err
	}
	return Decode(ctx, mem, data)
}
