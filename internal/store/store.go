// Package store persists sync sessions and their correction events in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"loopsync/internal/engine"
)

// ErrNotFound is returned when no session exists for an ID.
var ErrNotFound = errors.New("session not found")

// maxEvents bounds the events table; older rows are purged on insert.
const maxEvents = 10000

// Session describes one run of the sync engine.
type Session struct {
	ID          string
	Media       string
	LoopSeconds float64
	Platform    string
	StartedAt   time.Time
}

// EventRow is a persisted engine event.
type EventRow struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	engine.Event
}

// Store persists sync history in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
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
	// One writer keeps the recorder and API readers from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
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
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	media TEXT NOT NULL,
	loop_seconds REAL NOT NULL,
	platform TEXT NOT NULL,
	started_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	at_unix_ms INTEGER NOT NULL,
	kind TEXT NOT NULL,
	from_pos REAL NOT NULL,
	to_pos REAL NOT NULL,
	drift_ms REAL NOT NULL,
	tactic TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, at_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// CreateSession stores a new session. An empty ID is filled with a random
// UUID; the stored session is returned.
func (s *Store) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	const q = `INSERT INTO sessions (id, media, loop_seconds, platform, started_at_unix_ms) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, sess.ID, sess.Media, sess.LoopSeconds, sess.Platform, sess.StartedAt.UnixMilli()); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	slog.Debug("session created", "session_id", sess.ID)
	return sess, nil
}

// SessionByID returns one session or ErrNotFound.
func (s *Store) SessionByID(ctx context.Context, id string) (Session, error) {
	const q = `SELECT id, media, loop_seconds, platform, started_at_unix_ms FROM sessions WHERE id = ?`
	var (
		sess Session
		ms   int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&sess.ID, &sess.Media, &sess.LoopSeconds, &sess.Platform, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	sess.StartedAt = time.UnixMilli(ms).UTC()
	return sess, nil
}

// InsertEvent persists one event for sessionID and returns its row ID.
func (s *Store) InsertEvent(ctx context.Context, sessionID string, ev engine.Event) (int64, error) {
	const q = `INSERT INTO events (session_id, at_unix_ms, kind, from_pos, to_pos, drift_ms, tactic, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q, sessionID, ev.At.UnixMilli(), ev.Kind, ev.From, ev.To, ev.DriftMillis, ev.Tactic, ev.Err)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, _ := res.LastInsertId()
	if id%100 == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id <= ?`, id-maxEvents); err != nil {
			slog.Warn("purge old events", "err", err)
		}
	}
	return id, nil
}

// RecentEvents returns the most recent events across sessions, oldest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, session_id, at_unix_ms, kind, from_pos, to_pos, drift_ms, tactic, error
FROM events
ORDER BY id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			r  EventRow
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &ms, &r.Kind, &r.From, &r.To, &r.DriftMillis, &r.Tactic, &r.Err); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.At = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// CountEvents returns the number of events recorded for sessionID.
func (s *Store) CountEvents(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
