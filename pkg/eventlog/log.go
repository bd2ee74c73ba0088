// Package eventlog is the append-only runtime event log: dispatches,
// status changes, reclaims, session lifecycle, hook failures. The writer
// is fire-and-forget; the reader serves `dray logs` and other read-only
// tooling without blocking writers.
package eventlog

import (
	"context"
	"database/sql"
	"time"
)

// Event is one event log record. ID and CreatedAt are assigned by the
// database and only populated on reads.
type Event struct {
	ID        int64
	Type      string
	Source    string
	ScopeID   string
	TaskID    string
	ActorID   string
	Payload   string // JSON fragment, may be empty
	CreatedAt time.Time
}

// Logger appends events to the runtime event log. Fire-and-forget: callers
// never fail a primary operation because logging failed.
type Logger interface {
	Log(ctx context.Context, e Event)
}

// SQLiteLogger writes events to the events table.
type SQLiteLogger struct {
	db *sql.DB
}

// NewSQLiteLogger wraps db. The caller owns the connection and must have
// applied protocol.SchemaDDL.
func NewSQLiteLogger(db *sql.DB) *SQLiteLogger {
	return &SQLiteLogger{db: db}
}

// Log inserts one event row. Errors are deliberately discarded.
func (l *SQLiteLogger) Log(ctx context.Context, e Event) {
	_, _ = l.db.ExecContext(ctx,
		`INSERT INTO events (type, source, scope_id, task_id, actor_id, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Type, e.Source, e.ScopeID, e.TaskID, e.ActorID, e.Payload)
}

// NopLogger discards all events.
type NopLogger struct{}

// Log does nothing.
func (NopLogger) Log(context.Context, Event) {}
