package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tracelake/tracelake/internal/model"
	lkerrors "github.com/tracelake/tracelake/pkg/errors"
)

// InsertProcess records a new process. Returns DuplicateKey if the id is
// already present; callers treat that as an idempotent no-op.
func (s *Store) InsertProcess(ctx context.Context, p *model.Process) error {
	props, err := encodeProps(p.Properties)
	if err != nil {
		return lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to encode properties")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := rowExists(ctx, tx, `SELECT 1 FROM processes WHERE process_id = ?`, p.ProcessID)
		if err != nil {
			return lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to check process")
		}
		if exists {
			return lkerrors.DuplicateKey("processes", p.ProcessID)
		}

		now := time.Now().UTC()
		if p.InsertTime.IsZero() {
			p.InsertTime = now
		}
		if p.LastUpdateTime.IsZero() {
			p.LastUpdateTime = p.InsertTime
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO processes (process_id, exe, start_time, start_ticks, tsc_frequency,
			                       parent_process_id, properties, last_update_time, insert_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ProcessID, p.Exe, p.StartTime, p.StartTicks, p.TscFrequency,
			nullable(p.ParentProcessID), props, p.LastUpdateTime, p.InsertTime)
		if err != nil {
			return lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to insert process")
		}
		return nil
	})
}

// InsertStream records a new stream. Returns DuplicateKey if the id is
// already present.
func (s *Store) InsertStream(ctx context.Context, st *model.Stream) error {
	props, err := encodeProps(st.Properties)
	if err != nil {
		return lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to encode properties")
	}
	tags, err := json.Marshal(st.Tags)
	if err != nil {
		return lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to encode tags")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := rowExists(ctx, tx, `SELECT 1 FROM streams WHERE stream_id = ?`, st.StreamID)
		if err != nil {
			return lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to check stream")
		}
		if exists {
			return lkerrors.DuplicateKey("streams", st.StreamID)
		}

		if st.InsertTime.IsZero() {
			st.InsertTime = time.Now().UTC()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO streams (stream_id, process_id, kind, tags, properties,
			                     dependencies_metadata, objects_metadata, insert_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			st.StreamID, st.ProcessID, string(st.Kind), string(tags), props,
			st.DependenciesMetadata, st.ObjectsMetadata, st.InsertTime)
		if err != nil {
			return lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to insert stream")
		}
		return nil
	})
}

// InsertBlock records a new block and bumps the owning process's
// last_update_time in the same transaction. Returns DuplicateKey if the
// block id is already present. The block is visible to materialization
// only after the transaction commits.
func (s *Store) InsertBlock(ctx context.Context, b *model.Block) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := rowExists(ctx, tx, `SELECT 1 FROM blocks WHERE block_id = ?`, b.BlockID)
		if err != nil {
			return lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to check block")
		}
		if exists {
			return lkerrors.DuplicateKey("blocks", b.BlockID)
		}

		if b.InsertTime.IsZero() {
			b.InsertTime = time.Now().UTC()
		}
		if b.ProcessID == "" {
			// Resolve from the stream so block queries don't need a join.
			row := tx.QueryRowContext(ctx, `SELECT process_id FROM streams WHERE stream_id = ? LIMIT 1`, b.StreamID)
			if err := row.Scan(&b.ProcessID); err != nil {
				return lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to resolve stream process")
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO blocks (block_id, stream_id, process_id, begin_time, end_time,
			                    begin_ticks, end_ticks, nb_objects, payload_offset,
			                    payload_size, insert_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.BlockID, b.StreamID, b.ProcessID, b.BeginTime, b.EndTime,
			b.BeginTicks, b.EndTicks, b.NbObjects, b.PayloadOffset,
			b.PayloadSize, b.InsertTime)
		if err != nil {
			return lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to insert block")
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE processes SET last_update_time = ? WHERE process_id = ?`,
			b.InsertTime, b.ProcessID)
		if err != nil {
			return lkerrors.Wrap(err, lkerrors.CodeMetadataWrite, "failed to bump process update time")
		}
		return nil
	})
}

// GetProcess returns one process by id.
func (s *Store) GetProcess(ctx context.Context, processID string) (*model.Process, error) {
	rows, err := s.queryProcesses(ctx,
		`SELECT process_id, exe, start_time, start_ticks, tsc_frequency,
		        parent_process_id, properties, last_update_time, insert_time
		 FROM processes WHERE process_id = ? ORDER BY insert_time LIMIT 1`, processID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, lkerrors.New(lkerrors.CodeRecordNotFound, "process not found").
			WithContext("process_id", processID)
	}
	return rows[0], nil
}

// ListProcesses returns processes whose last_update_time falls in the
// given range, ordered by insert time for deterministic scanning.
func (s *Store) ListProcesses(ctx context.Context, updateRange model.TimeRange) ([]*model.Process, error) {
	return s.queryProcesses(ctx,
		`SELECT process_id, exe, start_time, start_ticks, tsc_frequency,
		        parent_process_id, properties, last_update_time, insert_time
		 FROM processes
		 WHERE last_update_time >= ? AND last_update_time < ?
		 ORDER BY insert_time, process_id`,
		updateRange.Start, updateRange.End)
}

func (s *Store) queryProcesses(ctx context.Context, query string, args ...interface{}) ([]*model.Process, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to query processes")
	}
	defer rows.Close()

	var out []*model.Process
	for rows.Next() {
		var p model.Process
		var parent, props sql.NullString
		if err := rows.Scan(&p.ProcessID, &p.Exe, &p.StartTime, &p.StartTicks,
			&p.TscFrequency, &parent, &props, &p.LastUpdateTime, &p.InsertTime); err != nil {
			return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to scan process")
		}
		p.ParentProcessID = parent.String
		if p.Properties, err = decodeProps(props); err != nil {
			return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to decode properties")
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ListStreamsForProcess returns the process's streams ordered by insert time.
// kind filters by telemetry kind when non-empty.
func (s *Store) ListStreamsForProcess(ctx context.Context, processID string, kind model.StreamKind) ([]*model.Stream, error) {
	query := `SELECT stream_id, process_id, kind, tags, properties,
	                 dependencies_metadata, objects_metadata, insert_time
	          FROM streams WHERE process_id = ?`
	args := []interface{}{processID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY insert_time, stream_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to query streams")
	}
	defer rows.Close()

	var out []*model.Stream
	for rows.Next() {
		var st model.Stream
		var kindStr string
		var tags, props sql.NullString
		if err := rows.Scan(&st.StreamID, &st.ProcessID, &kindStr, &tags, &props,
			&st.DependenciesMetadata, &st.ObjectsMetadata, &st.InsertTime); err != nil {
			return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to scan stream")
		}
		st.Kind = model.StreamKind(kindStr)
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &st.Tags); err != nil {
				return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to decode tags")
			}
		}
		if st.Properties, err = decodeProps(props); err != nil {
			return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to decode properties")
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// ListBlocks returns a stream's blocks whose insert_time falls in the
// given range, ordered by insert time.
func (s *Store) ListBlocks(ctx context.Context, streamID string, insertRange model.TimeRange) ([]*model.Block, error) {
	return s.queryBlocks(ctx,
		blockColumns+` FROM blocks
		 WHERE stream_id = ? AND insert_time >= ? AND insert_time < ?
		 ORDER BY insert_time, block_id`,
		streamID, insertRange.Start, insertRange.End)
}

// ListBlocksInserted returns blocks whose insert_time falls in the
// range, across all streams. kind filters by telemetry kind when
// non-empty. Used by the scheduled materializer to find buckets touched
// by newly arrived data.
func (s *Store) ListBlocksInserted(ctx context.Context, kind model.StreamKind, insertRange model.TimeRange) ([]*model.Block, error) {
	query := blockColumns + ` FROM blocks b
	 WHERE b.insert_time >= ? AND b.insert_time < ?`
	args := []interface{}{insertRange.Start, insertRange.End}
	if kind != "" {
		query += ` AND EXISTS (SELECT 1 FROM streams st WHERE st.stream_id = b.stream_id AND st.kind = ?)`
		args = append(args, string(kind))
	}
	query += ` ORDER BY b.insert_time, b.block_id`
	return s.queryBlocks(ctx, query, args...)
}

// ListStreamsInserted returns streams whose insert_time falls in the
// range, ordered by insert time.
func (s *Store) ListStreamsInserted(ctx context.Context, insertRange model.TimeRange) ([]*model.Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, process_id, kind, tags, properties,
		        dependencies_metadata, objects_metadata, insert_time
		 FROM streams
		 WHERE insert_time >= ? AND insert_time < ?
		 ORDER BY insert_time, stream_id`,
		insertRange.Start, insertRange.End)
	if err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to query streams")
	}
	defer rows.Close()

	var out []*model.Stream
	for rows.Next() {
		var st model.Stream
		var kindStr string
		var tags, props sql.NullString
		if err := rows.Scan(&st.StreamID, &st.ProcessID, &kindStr, &tags, &props,
			&st.DependenciesMetadata, &st.ObjectsMetadata, &st.InsertTime); err != nil {
			return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to scan stream")
		}
		st.Kind = model.StreamKind(kindStr)
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &st.Tags); err != nil {
				return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to decode tags")
			}
		}
		var err error
		if st.Properties, err = decodeProps(props); err != nil {
			return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to decode properties")
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// ListBlocksOverlapping returns blocks whose event-time range intersects
// the bucket. kind filters by telemetry kind when non-empty; processID
// scopes the scan to one entity when non-empty (JIT instance views).
func (s *Store) ListBlocksOverlapping(ctx context.Context, kind model.StreamKind, processID string, bucket model.TimeRange) ([]*model.Block, error) {
	query := blockColumns + ` FROM blocks b
	 WHERE b.begin_time < ? AND b.end_time > ?`
	args := []interface{}{bucket.End, bucket.Start}
	if kind != "" {
		query += ` AND EXISTS (SELECT 1 FROM streams st WHERE st.stream_id = b.stream_id AND st.kind = ?)`
		args = append(args, string(kind))
	}
	if processID != "" {
		query += ` AND b.process_id = ?`
		args = append(args, processID)
	}
	query += ` ORDER BY b.insert_time, b.block_id`
	return s.queryBlocks(ctx, query, args...)
}

const blockColumns = `SELECT block_id, stream_id, process_id, begin_time, end_time,
        begin_ticks, end_ticks, nb_objects, payload_offset, payload_size, insert_time`

func (s *Store) queryBlocks(ctx context.Context, query string, args ...interface{}) ([]*model.Block, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to query blocks")
	}
	defer rows.Close()

	var out []*model.Block
	for rows.Next() {
		var b model.Block
		if err := rows.Scan(&b.BlockID, &b.StreamID, &b.ProcessID, &b.BeginTime, &b.EndTime,
			&b.BeginTicks, &b.EndTicks, &b.NbObjects, &b.PayloadOffset,
			&b.PayloadSize, &b.InsertTime); err != nil {
			return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataQuery, "failed to scan block")
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func encodeProps(props map[string]string) (string, error) {
	if len(props) == 0 {
		return "", nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeProps(props sql.NullString) (map[string]string, error) {
	if !props.Valid || props.String == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(props.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func rowExists(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
