// Package store keeps a durable history of reconstruction sessions in an
// embedded SQLite database. It is optional; an empty database path disables it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	strategy TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	frames_seen INTEGER NOT NULL DEFAULT 0,
	keyframes_selected INTEGER NOT NULL DEFAULT 0,
	strips_stitched INTEGER NOT NULL DEFAULT 0,
	panorama_path TEXT,
	error TEXT
);

CREATE TABLE IF NOT EXISTS strips (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq INTEGER NOT NULL,
	state TEXT NOT NULL,
	inliers INTEGER NOT NULL,
	overlap INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS drop_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq INTEGER NOT NULL,
	reason TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL
);
`

// SessionRecord is one row in the sessions table.
type SessionRecord struct {
	ID                string     `json:"id"`
	Source            string     `json:"source"`
	Strategy          string     `json:"strategy"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	FramesSeen        uint64     `json:"frames_seen"`
	KeyframesSelected uint64     `json:"keyframes_selected"`
	StripsStitched    uint64     `json:"strips_stitched"`
	PanoramaPath      string     `json:"panorama_path,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginSession inserts a new session row.
func (s *Store) BeginSession(ctx context.Context, id, source, strategy string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, source, strategy, started_at) VALUES (?, ?, ?, ?)`,
		id, source, strategy, startedAt)
	return err
}

// FinishSession records the terminal state of a session.
func (s *Store) FinishSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET finished_at = ?, frames_seen = ?, keyframes_selected = ?,
			strips_stitched = ?, panorama_path = ?, error = ? WHERE id = ?`,
		rec.FinishedAt, rec.FramesSeen, rec.KeyframesSelected,
		rec.StripsStitched, rec.PanoramaPath, rec.Error, rec.ID)
	return err
}

// RecordStrip inserts one strip outcome.
func (s *Store) RecordStrip(ctx context.Context, sessionID string, seq uint64, state string, inliers, overlap int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO strips (session_id, seq, state, inliers, overlap) VALUES (?, ?, ?, ?, ?)`,
		sessionID, seq, state, inliers, overlap)
	return err
}

// RecordDrop inserts one frame-drop event.
func (s *Store) RecordDrop(ctx context.Context, sessionID string, seq uint64, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drop_events (session_id, seq, reason, occurred_at) VALUES (?, ?, ?, ?)`,
		sessionID, seq, reason, at)
	return err
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, strategy, started_at, finished_at, frames_seen,
			keyframes_selected, strips_stitched,
			COALESCE(panorama_path, ''), COALESCE(error, '')
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Strategy, &rec.StartedAt,
			&finished, &rec.FramesSeen, &rec.KeyframesSelected, &rec.StripsStitched,
			&rec.PanoramaPath, &rec.Error); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			rec.FinishedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
