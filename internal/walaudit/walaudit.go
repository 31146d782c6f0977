// Package walaudit keeps an optional, best-effort SQLite audit trail of
// every successful superblock commit, the way internal/store/sql.go opens
// and pragmas a derived index database for the ticket store. It sits
// entirely outside the durability boundary: a missing or corrupt audit
// database never affects mount or commit correctness, only what a caller
// asking "what committed and when" can see afterward.
package walaudit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

const currentSchemaVersion = 1

const sqliteBusyTimeout = 10000 // milliseconds

// Log appends one row per successful commit to a SQLite database. The zero
// value is not usable; construct with Open.
type Log struct {
	db *sql.DB
}

// Open opens (creating if absent) the audit database at path and ensures
// its schema exists.
func Open(ctx context.Context, path string) (*Log, error) {
	if path == "" {
		return nil, errors.New("walaudit: open: path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("walaudit: open: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("walaudit: ping: %w", err)
	}

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Log{db: db}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = FULL;
	`, sqliteBusyTimeout))
	if err != nil {
		return fmt.Errorf("walaudit: apply pragmas: %w", err)
	}

	return nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	var version int

	row := db.QueryRowContext(ctx, "PRAGMA user_version")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("walaudit: read user_version: %w", err)
	}

	if version == currentSchemaVersion {
		return nil
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS commits (
			version      INTEGER PRIMARY KEY,
			free_root    INTEGER NOT NULL,
			files_root   INTEGER NOT NULL,
			free_count   INTEGER NOT NULL,
			committed_at INTEGER NOT NULL
		) WITHOUT ROWID
	`)
	if err != nil {
		return fmt.Errorf("walaudit: create schema: %w", err)
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion))
	if err != nil {
		return fmt.Errorf("walaudit: set user_version: %w", err)
	}

	return nil
}

// Entry is one recorded commit.
type Entry struct {
	Version     uint64
	FreeRoot    uint64
	FilesRoot   uint64
	FreeCount   uint64
	CommittedAt int64 // Unix seconds
}

// Record inserts one row. A failure here is the caller's to log and
// ignore — it must never unwind a commit that has already succeeded.
func (l *Log) Record(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO commits (version, free_root, files_root, free_count, committed_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.Version, e.FreeRoot, e.FilesRoot, e.FreeCount, e.CommittedAt)
	if err != nil {
		return fmt.Errorf("walaudit: record: %w", err)
	}

	return nil
}

// Recent returns up to limit most recent entries, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT version, free_root, files_root, free_count, committed_at
		FROM commits
		ORDER BY version DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("walaudit: recent: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var entries []Entry

	for rows.Next() {
		var e Entry

		if err := rows.Scan(&e.Version, &e.FreeRoot, &e.FilesRoot, &e.FreeCount, &e.CommittedAt); err != nil {
			return nil, fmt.Errorf("walaudit: scan: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("walaudit: rows: %w", err)
	}

	return entries, nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("walaudit: close: %w", err)
	}

	return nil
}
