package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_files (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    path         TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    positives    INTEGER NOT NULL,
    total        INTEGER NOT NULL,
    directory    TEXT NOT NULL,
    extension    TEXT NOT NULL,
    suspicious   INTEGER NOT NULL,
    recorded_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processed_files_path ON processed_files(path, recorded_ns);
CREATE INDEX IF NOT EXISTS idx_processed_files_hash ON processed_files(content_hash);
`

// SQLiteSink stores entries in a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteSink, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Record(ctx context.Context, e Entry) error {
	suspicious := 0
	if e.Suspicious {
		suspicious = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_files (path, content_hash, positives, total, directory, extension, suspicious, recorded_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Path, e.Hash, e.Positives, e.Total, e.Directory, e.Extension, suspicious, e.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, content_hash, positives, total, directory, extension, suspicious, recorded_ns
		FROM processed_files ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var suspicious int
		var ns int64
		if err := rows.Scan(&e.Path, &e.Hash, &e.Positives, &e.Total, &e.Directory, &e.Extension, &suspicious, &ns); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Suspicious = suspicious == 1
		e.RecordedAt = time.Unix(0, ns).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored entries.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteSink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
