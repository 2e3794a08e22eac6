package metadata

import (
	"context"
	"database/sql"
	"time"

	"github.com/tracelake/tracelake/internal/model"
	lkerrors "github.com/tracelake/tracelake/pkg/errors"
)

// PartitionQuery filters partition listings.
type PartitionQuery struct {
	View string
	// Key filters by entity key when non-empty.
	Key string
	// Range keeps partitions whose bucket intersects it, when set.
	Range model.TimeRange
	// Fingerprint keeps partitions with this schema fingerprint, when set.
	Fingerprint string
	// IncludeRetired includes retired partitions in the result.
	IncludeRetired bool
}

// AddPartition registers a freshly written partition and atomically
// supersedes any live partition for the same (view, key, bucket).
// Deterministic paths make a refresh rewrite the same object, so
// re-registering the live row's file path updates that row in place
// with the new size, rows and source stamps.
func (s *Store) AddPartition(ctx context.Context, p *model.Partition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `
			SELECT file_path FROM partitions
			WHERE view_name = ? AND view_key = ? AND bucket_start = ? AND NOT retired
			LIMIT 1`,
			p.ViewName, p.ViewKey, p.BucketStart).Scan(&current)
		switch {
		case err == sql.ErrNoRows:
			// No live partition for this bucket yet.
		case err != nil:
			return lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to check live partition")
		case current == p.FilePath:
			// The object at the deterministic path was rewritten.
			if p.InsertTime.IsZero() {
				p.InsertTime = time.Now().UTC()
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE partitions
				SET file_size = ?, rows = ?, source_insert_time = ?,
				    source_blocks = ?, insert_time = ?
				WHERE view_name = ? AND view_key = ? AND bucket_start = ? AND NOT retired`,
				p.FileSize, p.Rows, p.SourceInsertTime, p.SourceBlocks, p.InsertTime,
				p.ViewName, p.ViewKey, p.BucketStart)
			if err != nil {
				return lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to refresh partition")
			}
			return nil
		default:
			now := time.Now().UTC()
			_, err = tx.ExecContext(ctx, `
				UPDATE partitions SET retired = true, retired_at = ?
				WHERE view_name = ? AND view_key = ? AND bucket_start = ? AND NOT retired`,
				now, p.ViewName, p.ViewKey, p.BucketStart)
			if err != nil {
				return lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to supersede partition")
			}
		}

		if p.InsertTime.IsZero() {
			p.InsertTime = time.Now().UTC()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO partitions (view_name, view_key, bucket_start, bucket_end,
			                        file_path, file_size, rows, schema_fingerprint,
			                        source_insert_time, source_blocks, retired, insert_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, false, ?)`,
			p.ViewName, p.ViewKey, p.BucketStart, p.BucketEnd,
			p.FilePath, p.FileSize, p.Rows, p.SchemaFingerprint,
			p.SourceInsertTime, p.SourceBlocks, p.InsertTime)
		if err != nil {
			return lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to insert partition")
		}
		return nil
	})
}

// GetPartition returns the live partition for one bucket, or
// PartitionNotFound.
func (s *Store) GetPartition(ctx context.Context, view, key string, bucketStart time.Time) (*model.Partition, error) {
	parts, err := s.queryPartitions(ctx,
		partitionColumns+` FROM partitions
		 WHERE view_name = ? AND view_key = ? AND bucket_start = ? AND NOT retired
		 ORDER BY insert_time DESC LIMIT 1`,
		view, key, bucketStart)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, lkerrors.PartitionNotFound(view, key)
	}
	return parts[0], nil
}

// ListPartitions returns partitions matching the query, ascending by
// bucket start time.
func (s *Store) ListPartitions(ctx context.Context, q PartitionQuery) ([]*model.Partition, error) {
	query := partitionColumns + ` FROM partitions WHERE view_name = ?`
	args := []interface{}{q.View}

	if q.Key != "" {
		query += ` AND view_key = ?`
		args = append(args, q.Key)
	}
	if !q.Range.IsZero() {
		query += ` AND bucket_start < ? AND bucket_end > ?`
		args = append(args, q.Range.End, q.Range.Start)
	}
	if q.Fingerprint != "" {
		query += ` AND schema_fingerprint = ?`
		args = append(args, q.Fingerprint)
	}
	if !q.IncludeRetired {
		query += ` AND NOT retired`
	}
	query += ` ORDER BY bucket_start, view_key`

	return s.queryPartitions(ctx, query, args...)
}

// RetireByFingerprint retires every live partition of the view whose
// stored fingerprint differs from current. Returns the retired count.
func (s *Store) RetireByFingerprint(ctx context.Context, view, current string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE partitions SET retired = true, retired_at = ?
		WHERE view_name = ? AND schema_fingerprint <> ? AND NOT retired`,
		time.Now().UTC(), view, current)
	if err != nil {
		return 0, lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to retire partitions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RetireMatching retires live partitions by explicit metadata match.
// Exposed to the maintenance table functions.
func (s *Store) RetireMatching(ctx context.Context, q PartitionQuery) (int64, error) {
	query := `UPDATE partitions SET retired = true, retired_at = ? WHERE view_name = ? AND NOT retired`
	args := []interface{}{time.Now().UTC(), q.View}

	if q.Key != "" {
		query += ` AND view_key = ?`
		args = append(args, q.Key)
	}
	if !q.Range.IsZero() {
		query += ` AND bucket_start < ? AND bucket_end > ?`
		args = append(args, q.Range.End, q.Range.Start)
	}
	if q.Fingerprint != "" {
		query += ` AND schema_fingerprint = ?`
		args = append(args, q.Fingerprint)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to retire partitions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListRetiredBefore returns retired partitions whose retirement happened
// before the cutoff. These are eligible for garbage collection.
func (s *Store) ListRetiredBefore(ctx context.Context, cutoff time.Time) ([]*model.Partition, error) {
	return s.queryPartitions(ctx,
		partitionColumns+` FROM partitions
		 WHERE retired AND retired_at IS NOT NULL AND retired_at < ?
		 ORDER BY retired_at`,
		cutoff)
}

// DeleteRetired removes one retired partition row by identity. The
// retired predicate keeps a live row sharing the same path (a bucket
// re-materialized under the same fingerprint) out of reach.
func (s *Store) DeleteRetired(ctx context.Context, p *model.Partition) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM partitions
		WHERE view_name = ? AND view_key = ? AND bucket_start = ?
		  AND file_path = ? AND retired`,
		p.ViewName, p.ViewKey, p.BucketStart, p.FilePath)
	if err != nil {
		return lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to delete partition row")
	}
	return nil
}

// PathInUse reports whether a live partition references the file path.
func (s *Store) PathInUse(ctx context.Context, filePath string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM partitions WHERE file_path = ? AND NOT retired LIMIT 1`,
		filePath).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to check path use")
	}
	return true, nil
}

const partitionColumns = `SELECT view_name, view_key, bucket_start, bucket_end, file_path,
        file_size, rows, schema_fingerprint, source_insert_time, source_blocks,
        retired, retired_at, insert_time`

func (s *Store) queryPartitions(ctx context.Context, query string, args ...interface{}) ([]*model.Partition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to query partitions")
	}
	defer rows.Close()

	var out []*model.Partition
	for rows.Next() {
		var p model.Partition
		var retiredAt sql.NullTime
		if err := rows.Scan(&p.ViewName, &p.ViewKey, &p.BucketStart, &p.BucketEnd,
			&p.FilePath, &p.FileSize, &p.Rows, &p.SchemaFingerprint,
			&p.SourceInsertTime, &p.SourceBlocks, &p.Retired, &retiredAt,
			&p.InsertTime); err != nil {
			return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to scan partition")
		}
		p.RetiredAt = retiredAt.Time
		out = append(out, &p)
	}
	return out, rows.Err()
}
