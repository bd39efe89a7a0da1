// Package sqlite implements the single-node persistence layer on SQLite.
// It serves the same repository interfaces as the postgres package. SQLite
// has a single writer, so the pool is pinned to one connection and every
// write is serialised by the database itself.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // driver: sqlite
)

// ErrClosed indicates the database handle is closed.
var ErrClosed = errors.New("sqlite: database is closed")

// DB wraps *sql.DB with context-carried transactions.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the database at dsn, applies pragmas and the schema.
// A bare path is turned into a file: DSN with a busy timeout.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite: dsn is required")
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	// One connection: a transaction owns the database until it finishes,
	// and concurrent callers queue behind it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: pragma %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &DB{sql: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Ping checks the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.sql == nil {
		return ErrClosed
	}
	return d.sql.PingContext(ctx)
}

type txKey struct{}

// WithinTx runs fn inside a transaction carried by the context.
// Nested calls join the outer transaction.
func (d *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = fmt.Errorf("sqlite: commit: %w", e)
		}
	}()

	err = fn(context.WithValue(ctx, txKey{}, tx))
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the transaction in ctx, or the database. Inside a transaction
// the database handle must never be used directly: its only connection is
// held by the transaction.
func (d *DB) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return d.sql
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS credit_pools (
  id TEXT PRIMARY KEY,
  academy_id TEXT NOT NULL,
  exam_type TEXT NOT NULL,
  plan_name TEXT NOT NULL,
  total_credits INTEGER NOT NULL CHECK (total_credits > 0),
  used_credits INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'active'
    CHECK (status IN ('active', 'expired', 'exhausted', 'cancelled')),
  expires_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  CHECK (used_credits >= 0 AND used_credits <= total_credits)
);

CREATE INDEX IF NOT EXISTS idx_credit_pools_academy ON credit_pools(academy_id);

CREATE TABLE IF NOT EXISTS exam_instances (
  id TEXT PRIMARY KEY,
  student_id TEXT NOT NULL,
  pool_id TEXT NOT NULL REFERENCES credit_pools(id),
  exam_type TEXT NOT NULL,
  mode TEXT NOT NULL CHECK (mode IN ('full_mock', 'section')),
  status TEXT NOT NULL
    CHECK (status IN ('not_started', 'in_progress', 'paused', 'completed', 'expired')),
  exam_number INTEGER NOT NULL CHECK (exam_number >= 1),
  topic TEXT NOT NULL DEFAULT '',
  credits_charged INTEGER NOT NULL DEFAULT 0 CHECK (credits_charged >= 0),
  elapsed_ms INTEGER NOT NULL DEFAULT 0,
  running_since INTEGER,
  overall_band REAL,
  overall_percentage REAL,
  version INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  started_at INTEGER,
  completed_at INTEGER,
  expires_at INTEGER,
  UNIQUE (student_id, pool_id, exam_number)
);

CREATE INDEX IF NOT EXISTS idx_exam_instances_deadline ON exam_instances(status, expires_at);

CREATE TABLE IF NOT EXISTS exam_sections (
  id TEXT PRIMARY KEY,
  instance_id TEXT NOT NULL REFERENCES exam_instances(id) ON DELETE CASCADE,
  section_type TEXT NOT NULL
    CHECK (section_type IN ('listening', 'reading', 'writing', 'speaking')),
  section_order INTEGER NOT NULL,
  status TEXT NOT NULL
    CHECK (status IN ('locked', 'available', 'in_progress', 'completed', 'skipped')),
  time_limit_ms INTEGER NOT NULL DEFAULT 0,
  elapsed_ms INTEGER NOT NULL DEFAULT 0,
  running_since INTEGER,
  started_at INTEGER,
  completed_at INTEGER,
  raw_score REAL,
  max_score REAL,
  percentage REAL,
  band REAL,
  charge_state TEXT NOT NULL DEFAULT 'none'
    CHECK (charge_state IN ('none', 'charged', 'failed')),
  UNIQUE (instance_id, section_type),
  UNIQUE (instance_id, section_order)
);
`
