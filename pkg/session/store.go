package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dray/pkg/protocol"
)

const sqliteTimeFormat = "2006-01-02 15:04:05"

// Store is the persistence boundary for session records. Timelines are
// stored whole: they are append-only and small relative to the process
// output they summarize.
type Store interface {
	Get(ctx context.Context, id string) (protocol.Session, error)
	// Put upserts the full record, timeline included.
	Put(ctx context.Context, s protocol.Session) error
	// List returns all sessions, newest first.
	List(ctx context.Context) ([]protocol.Session, error)
	Delete(ctx context.Context, id string) error
}

// SQLiteStore implements Store on a shared *sql.DB. Writes are serialized
// through a store-level mutex so interleaved bridge goroutines cannot
// persist a record over a newer one mid-marshal.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore wraps db. The caller owns the connection and must have
// applied protocol.SchemaDDL.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const selectSessionSQL = `SELECT id, status, prompt, model, timeline, message_count, tool_count, last_text, created_at, updated_at FROM sessions`

// Get loads one session, timeline included.
func (s *SQLiteStore) Get(ctx context.Context, id string) (protocol.Session, error) {
	row := s.db.QueryRowContext(ctx, selectSessionSQL+` WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return protocol.Session{}, &protocol.SessionNotFoundError{SessionID: id}
	}
	if err != nil {
		return protocol.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return rec, nil
}

// Put upserts the record.
func (s *SQLiteStore) Put(ctx context.Context, rec protocol.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	timeline, err := json.Marshal(rec.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline for %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, prompt, model, timeline, message_count, tool_count, last_text, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, prompt=excluded.prompt, model=excluded.model,
		   timeline=excluded.timeline, message_count=excluded.message_count,
		   tool_count=excluded.tool_count, last_text=excluded.last_text,
		   updated_at=excluded.updated_at`,
		rec.ID, string(rec.Status), rec.Prompt, rec.Model, string(timeline),
		rec.Summary.MessageCount, rec.Summary.ToolCount, rec.Summary.LastText,
		rec.CreatedAt.Format(sqliteTimeFormat), rec.UpdatedAt.Format(sqliteTimeFormat))
	if err != nil {
		return fmt.Errorf("put session %s: %w", rec.ID, err)
	}
	return nil
}

// List returns all sessions, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]protocol.Session, error) {
	rows, err := s.db.QueryContext(ctx, selectSessionSQL+` ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []protocol.Session
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// Delete removes the record. Deleting an unknown id is a not-found error
// so cleanup surfaces typos instead of silently succeeding.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n == 0 {
		return &protocol.SessionNotFoundError{SessionID: id}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (protocol.Session, error) {
	var (
		rec       protocol.Session
		status    string
		timeline  string
		createdAt string
		updatedAt string
	)
	err := r.Scan(&rec.ID, &status, &rec.Prompt, &rec.Model, &timeline,
		&rec.Summary.MessageCount, &rec.Summary.ToolCount, &rec.Summary.LastText,
		&createdAt, &updatedAt)
	if err != nil {
		return protocol.Session{}, err
	}

	rec.Status = protocol.SessionStatus(status)
	if err := json.Unmarshal([]byte(timeline), &rec.Timeline); err != nil {
		return protocol.Session{}, fmt.Errorf("unmarshal timeline: %w", err)
	}
	if rec.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return protocol.Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return protocol.Session{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rec, nil
}

// parseSQLiteTime handles both datetime('now') output and RFC3339.
func parseSQLiteTime(s string) (time.Time, error) {
	if ts, err := time.Parse(sqliteTimeFormat, s); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
