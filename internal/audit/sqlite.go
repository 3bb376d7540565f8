package audit

// sqlite.go persists audit events to a local SQLite file so the trail
// survives restarts and can be queried from the UI. The roster data itself
// never goes through a database; this store holds events only.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a Recorder backed by SQLite. It also serves the query side of
// the audit UI endpoints.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenStore opens (creating if needed) the audit database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id       TEXT PRIMARY KEY,
		time     DATETIME NOT NULL,
		kind     TEXT NOT NULL,
		dataset  TEXT NOT NULL,
		fields   TEXT
	);
	CREATE INDEX IF NOT EXISTS events_time ON events(time);
	CREATE INDEX IF NOT EXISTS events_dataset ON events(dataset, time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &Store{db: db, log: slog.Default()}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record implements Recorder. Insert failures are logged, never returned.
func (s *Store) Record(ctx context.Context, ev Event) {
	var fields []byte
	if ev.Fields != nil {
		fields, _ = json.Marshal(ev.Fields)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, time, kind, dataset, fields) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Time.UTC(), string(ev.Kind), ev.Dataset, string(fields))
	if err != nil {
		s.log.Warn("audit event not persisted", "kind", ev.Kind, "error", err)
	}
}

// Filter narrows a Query. Zero values mean "any".
type Filter struct {
	Kind    Kind
	Dataset string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// DefaultQueryLimit caps unbounded audit queries.
const DefaultQueryLimit = 100

// Query returns matching events, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	q := `SELECT id, time, kind, dataset, fields FROM events WHERE 1=1`
	var args []any
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Dataset != "" {
		q += ` AND dataset = ?`
		args = append(args, f.Dataset)
	}
	if !f.Since.IsZero() {
		q += ` AND time >= ?`
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q += ` AND time <= ?`
		args = append(args, f.Until.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	q += ` ORDER BY time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var kind, fields string
		if err := rows.Scan(&ev.ID, &ev.Time, &kind, &ev.Dataset, &fields); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		ev.Kind = Kind(kind)
		if fields != "" {
			_ = json.Unmarshal([]byte(fields), &ev.Fields)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
