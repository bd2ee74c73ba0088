package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// ScopeID filters events to a single scope.
	ScopeID string

	// TaskID filters events about a specific task.
	TaskID string

	// ActorID filters events to a specific worker or session.
	ActorID string

	// EventType filters to a specific event type (e.g., "dispatch",
	// "status_changed", "session_started").
	EventType string

	// After filters events created after this time (inclusive)
	After *time.Time

	// Before filters events created before this time (inclusive)
	Before *time.Time

	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// Reader provides read-only access to the runtime event log.
type Reader struct {
	db *sql.DB
}

// NewReader opens the runtime SQLite database in read-only mode with WAL.
// Returns an error if the database doesn't exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	// Read-only with WAL so queries never block the engine's writers.
	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// NewReaderDB wraps an already-open connection; used by tests and by
// callers that share the engine's database handle.
func NewReaderDB(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Close releases the database connection.
// Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves events matching the given filter criteria, newest first.
// Returns an empty slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e            Event
			scopeID      sql.NullString
			taskID       sql.NullString
			actorID      sql.NullString
			payload      sql.NullString
			createdAtStr string
		)
		err := rows.Scan(&e.ID, &e.Type, &e.Source, &scopeID, &taskID, &actorID, &payload, &createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ScopeID = scopeID.String
		e.TaskID = taskID.String
		e.ActorID = actorID.String
		e.Payload = payload.String

		if createdAtStr != "" {
			parsedTime, err := time.Parse("2006-01-02 15:04:05", createdAtStr)
			if err != nil {
				// Fallback: try with timezone format
				parsedTime, err = time.Parse(time.RFC3339, createdAtStr)
				if err != nil {
					return nil, fmt.Errorf("parse created_at: %w", err)
				}
			}
			e.CreatedAt = parsedTime
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, scope_id, task_id, actor_id, payload, created_at FROM events WHERE 1=1"

	if opts.ScopeID != "" {
		conditions = append(conditions, "scope_id = ?")
		args = append(args, opts.ScopeID)
	}

	if opts.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, opts.TaskID)
	}

	if opts.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, opts.ActorID)
	}

	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}

	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.Format("2006-01-02 15:04:05"))
	}

	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.Format("2006-01-02 15:04:05"))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	// Order by newest first
	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
