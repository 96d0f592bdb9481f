// Package store is an optional SQLite event log for room activity.
// It is off unless the operator points it at a path; chat content is
// never recorded, only lifecycle events.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds recorded by the server.
const (
	KindRoomCreated = "room_created"
	KindJoined      = "participant_joined"
	KindLeft        = "participant_left"
	KindUploaded    = "file_uploaded"
)

// Event is one recorded lifecycle event.
type Event struct {
	ID            int64
	Kind          string
	RoomID        string
	ParticipantID string
	Detail        string
	CreatedAt     time.Time
}

// Store persists the event log in SQLite. A nil *Store is valid and
// drops every append, so callers never branch on whether logging is on.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("event log opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	room_id TEXT NOT NULL DEFAULT '',
	participant_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, created_at_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// Append records one event. Safe on a nil receiver.
func (s *Store) Append(ctx context.Context, kind, roomID, participantID, detail string) error {
	if s == nil || s.db == nil {
		return nil
	}
	const q = `INSERT INTO events (kind, room_id, participant_id, detail, created_at_unix_ms) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, kind, roomID, participantID, detail, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns the newest events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, kind, room_id, participant_id, detail, created_at_unix_ms
FROM events
ORDER BY id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e  Event
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.RoomID, &e.ParticipantID, &e.Detail, &ms); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
