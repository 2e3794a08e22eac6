// Package metadata provides the durable relational record of processes,
// streams, blocks and materialized partitions. It is the source of truth
// for what exists; caches and partition files are derived from it.
package metadata

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	lkerrors "github.com/tracelake/tracelake/pkg/errors"
)

// Store provides metadata database operations.
type Store struct {
	db *sql.DB
}

// New creates a new Store backed by DuckDB.
// If dbPath is empty, uses an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataInit, "failed to open duckdb")
	}

	// Verify connection works
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataInit, "failed to ping duckdb")
	}

	s := &Store{db: db}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, lkerrors.Wrap(err, lkerrors.CodeMetadataInit, "failed to initialize schema")
	}

	return s, nil
}

// initSchema creates the metadata tables if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		processesSchema, processesIndexes,
		streamsSchema, streamsIndexes,
		blocksSchema, blocksIndexes,
		partitionsSchema, partitionsIndexes,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lkerrors.Wrap(err, lkerrors.CodeTransactionFailed, "failed to begin transaction")
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return lkerrors.Wrap(err, lkerrors.CodeTransactionFailed, "failed to commit transaction")
	}
	return nil
}
