// Package partition writes and reads materialized view partitions as
// parquet objects with deterministic paths.
package partition

import (
	"fmt"

	"github.com/tracelake/tracelake/internal/model"
)

// ObjectPath returns the deterministic object-storage path for one
// partition. Two materializers racing for the same (view, key, bucket,
// fingerprint) converge on the same path, so a crash-restart re-write
// supersedes rather than diverges. Distinct buckets never share a path.
func ObjectPath(view, key, fingerprint string, bucket model.TimeRange) string {
	if key == "" {
		key = model.GlobalKey
	}
	return fmt.Sprintf("views/%s/%s/%s/%d_%d.parquet",
		view, fingerprint, key, bucket.Start.UTC().Unix(), bucket.End.UTC().Unix())
}
