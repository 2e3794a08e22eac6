package metadata

import (
	"context"

	lkerrors "github.com/tracelake/tracelake/pkg/errors"
)

// DedupResult counts the duplicate rows removed by one sweep.
type DedupResult struct {
	Processes int64
	Streams   int64
	Blocks    int64
}

// Total returns the number of rows removed across all tables.
func (r DedupResult) Total() int64 {
	return r.Processes + r.Streams + r.Blocks
}

// Deduplicate collapses records sharing the same logical id to one
// canonical row, keeping the earliest inserted. Duplicates arrive when
// a client retry races the existence check in the insert path. Identity
// is id equality only, never content similarity.
func (s *Store) Deduplicate(ctx context.Context) (DedupResult, error) {
	var res DedupResult
	var err error

	if res.Processes, err = s.dedupTable(ctx, "processes", "process_id"); err != nil {
		return res, err
	}
	if res.Streams, err = s.dedupTable(ctx, "streams", "stream_id"); err != nil {
		return res, err
	}
	if res.Blocks, err = s.dedupTable(ctx, "blocks", "block_id"); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Store) dedupTable(ctx context.Context, table, idColumn string) (int64, error) {
	// Keep the row with the smallest (insert_time, rowid) per id.
	query := `DELETE FROM ` + table + ` t WHERE EXISTS (
		SELECT 1 FROM ` + table + ` other
		WHERE other.` + idColumn + ` = t.` + idColumn + `
		  AND (other.insert_time < t.insert_time
		       OR (other.insert_time = t.insert_time AND other.rowid < t.rowid)))`

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, lkerrors.Wrapf(err, lkerrors.CodeMetadataWrite, "failed to deduplicate %s", table)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
