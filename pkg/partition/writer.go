package partition

import (
	"bytes"
	"context"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	lkerrors "github.com/tracelake/tracelake/pkg/errors"
	"github.com/tracelake/tracelake/pkg/interfaces"
)

// Encode serializes records into one parquet file payload.
func Encode(schema *arrow.Schema, records []arrow.Record) ([]byte, error) {
	var buf bytes.Buffer

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(true),
		parquet.WithDataPageSize(1024*1024), // 1MB
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
	)

	writer, err := pqarrow.NewFileWriter(schema, &buf, writerProps, arrowProps)
	if err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeStorageWriteFailed, "failed to create parquet writer")
	}

	for _, rec := range records {
		if err := writer.Write(rec); err != nil {
			writer.Close()
			return nil, lkerrors.Wrap(err, lkerrors.CodeStorageWriteFailed, "failed to write record batch")
		}
	}

	if err := writer.Close(); err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeStorageWriteFailed, "failed to finalize parquet file")
	}
	return buf.Bytes(), nil
}

// Write encodes the records and uploads them to the given path.
// A failed upload leaves any prior object at the path untouched: readers
// always see a complete partition or none.
func Write(ctx context.Context, store interfaces.ObjectStorage, path string, schema *arrow.Schema, records []arrow.Record) (int64, error) {
	payload, err := Encode(schema, records)
	if err != nil {
		return 0, err
	}

	opts := interfaces.PutOptions{ContentType: "application/vnd.apache.parquet"}
	if err := store.Put(ctx, path, bytes.NewReader(payload), opts); err != nil {
		return 0, lkerrors.StorageWriteFailed(path, err)
	}
	return int64(len(payload)), nil
}
