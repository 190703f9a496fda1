// Package sqlite implements the storage interface on SQLite via the
// ncruces/go-sqlite3 driver (wasm build, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/FormQueue/internal/types"
)

// SQLiteStorage implements storage.Storage backed by a SQLite file.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// New opens (creating if needed) the database at path and brings the
// schema up to date.
func New(ctx context.Context, path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection keeps BEGIN IMMEDIATE semantics simple and
	// avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStorage{db: db, path: path}
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// withTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// wrapUnavailable tags transient storage failures with the retryable
// error kind. Domain errors pass through untouched.
func wrapUnavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	for _, domain := range []error{
		types.ErrDuplicateChange, types.ErrConflictNotFound,
		types.ErrAlreadyResolved, types.ErrSessionNotFound,
		types.ErrStepNotFound, types.ErrPathConflict,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %v", types.ErrUnavailable, op, err)
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the backing database file path.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// UnderlyingDB exposes the raw handle for the health probe, which
// inspects sqlite_master directly.
func (s *SQLiteStorage) UnderlyingDB() *sql.DB {
	return s.db
}
