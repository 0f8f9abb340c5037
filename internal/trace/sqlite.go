package trace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createTracesTable = `
CREATE TABLE IF NOT EXISTS traces (
    id           TEXT PRIMARY KEY,
    entry_point  TEXT NOT NULL,
    entry_type   TEXT NOT NULL,
    status       TEXT NOT NULL,
    duration_ms  INTEGER NOT NULL,
    started_at   DATETIME NOT NULL,
    completed_at DATETIME,
    error        TEXT,
    steps        TEXT NOT NULL,
    metadata     TEXT
)`

// Compile-time interface satisfaction check.
var _ Sink = (*SQLiteSink)(nil)

// SQLiteSink persists completed traces to SQLite.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens the database at dbPath and runs migrations.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTracesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create traces table: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// SaveTrace inserts or replaces one completed trace record.
func (s *SQLiteSink) SaveTrace(rec Record) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO traces (
			id, entry_point, entry_type, status, duration_ms,
			started_at, completed_at, error, steps, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntryPoint, string(rec.EntryType), string(rec.Status),
		rec.DurationMS, rec.StartedAt, nullString(rec.CompletedAt),
		nullString(rec.Error), string(steps), string(metadata),
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

// ListTraces returns persisted traces newest-first, at most limit (0 = all).
func (s *SQLiteSink) ListTraces(limit int) ([]Record, error) {
	query := `SELECT id, entry_point, entry_type, status, duration_ms,
		started_at, completed_at, error, steps, metadata
		FROM traces ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var completedAt, errMsg sql.NullString
		var steps, metadata string
		if err := rows.Scan(
			&rec.ID, &rec.EntryPoint, (*string)(&rec.EntryType), (*string)(&rec.Status),
			&rec.DurationMS, &rec.StartedAt, &completedAt, &errMsg, &steps, &metadata,
		); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		rec.CompletedAt = completedAt.String
		rec.Error = errMsg.String
		if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes traces started before the cutoff and returns how
// many rows went away.
func (s *SQLiteSink) DeleteOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM traces WHERE started_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("delete traces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
