// Package dispatch implements the dray dispatch engine: a lease-based
// assignment core that hands pending tasks to workers under strict tier
// ordering, applies status-transition side effects, and reclaims tasks
// whose worker went silent.
package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dray/pkg/protocol"
)

// sqliteTimeFormat matches SQLite's datetime('now') output.
const sqliteTimeFormat = "2006-01-02 15:04:05"

// TaskStore is the persistence boundary of the dispatch engine. Production
// impl is SQLite; tests may substitute in-memory fakes.
type TaskStore interface {
	Create(ctx context.Context, t protocol.Task) error
	Get(ctx context.Context, id string) (protocol.Task, error)
	// List returns all tasks in a scope, optionally narrowed by sprint,
	// ordered by (ord, created_at).
	List(ctx context.Context, scopeID, sprintID string) ([]protocol.Task, error)
	// Save writes the mutable fields of t (status, assignment, title,
	// tier, order, sprint).
	Save(ctx context.Context, t protocol.Task) error
	// Claim atomically assigns the task to worker iff it is still
	// unassigned. Returns ClaimConflictError when another worker holds
	// the task, TaskNotFoundError when the row does not exist.
	Claim(ctx context.Context, id, worker string, now time.Time) error
	// StaleAssigned returns assigned in_progress tasks whose lease clock
	// (assigned_at) is older than cutoff.
	StaleAssigned(ctx context.Context, scopeID string, cutoff time.Time) ([]protocol.Task, error)
}

// SQLiteStore implements TaskStore on a shared *sql.DB.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db. The caller owns the connection and must have
// applied protocol.SchemaDDL.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Create inserts a new task row.
func (s *SQLiteStore) Create(ctx context.Context, t protocol.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = protocol.TaskBacklog
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, scope_id, sprint_id, title, status, tier, ord, assigned_to, assigned_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ScopeID, t.SprintID, t.Title, string(t.Status), tierValue(t.Tier), t.Order,
		t.AssignedTo, timeValue(t.AssignedAt),
		t.CreatedAt.UTC().Format(sqliteTimeFormat), t.UpdatedAt.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// Get loads a single task by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (protocol.Task, error) {
	row := s.db.QueryRowContext(ctx, selectTaskSQL+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return protocol.Task{}, &protocol.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return protocol.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// List returns the scope's tasks ordered by (ord, created_at).
func (s *SQLiteStore) List(ctx context.Context, scopeID, sprintID string) ([]protocol.Task, error) {
	query := selectTaskSQL + ` WHERE scope_id = ?`
	args := []any{scopeID}
	if sprintID != "" {
		query += ` AND sprint_id = ?`
		args = append(args, sprintID)
	}
	query += ` ORDER BY ord, created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks in %s: %w", scopeID, err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// Save writes the mutable fields of t.
func (s *SQLiteStore) Save(ctx context.Context, t protocol.Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET sprint_id=?, title=?, status=?, tier=?, ord=?, assigned_to=?, assigned_at=?, updated_at=?
		 WHERE id=?`,
		t.SprintID, t.Title, string(t.Status), tierValue(t.Tier), t.Order,
		t.AssignedTo, timeValue(t.AssignedAt),
		time.Now().UTC().Format(sqliteTimeFormat), t.ID)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	if n == 0 {
		return &protocol.TaskNotFoundError{TaskID: t.ID}
	}
	return nil
}

// Claim is the atomic select-then-claim step: a conditional update that
// only succeeds while the row is still unassigned. Two concurrent dispatch
// calls can never both claim the same task.
func (s *SQLiteStore) Claim(ctx context.Context, id, worker string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, assigned_to=?, assigned_at=?, updated_at=?
		 WHERE id=? AND assigned_to='' AND status IN (?, ?)`,
		string(protocol.TaskInProgress), worker,
		now.UTC().Format(sqliteTimeFormat), now.UTC().Format(sqliteTimeFormat),
		id, string(protocol.TaskBacklog), string(protocol.TaskInProgress))
	if err != nil {
		return fmt.Errorf("claim task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim task %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	// Zero rows: the task is gone, settled, or already claimed.
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return getErr
	}
	return &protocol.ClaimConflictError{TaskID: id, Worker: worker}
}

// StaleAssigned returns assigned in_progress tasks with an expired lease.
// Timestamps are read in one query so a single reclaim pass sees a
// consistent snapshot.
func (s *SQLiteStore) StaleAssigned(ctx context.Context, scopeID string, cutoff time.Time) ([]protocol.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTaskSQL+` WHERE scope_id=? AND status=? AND assigned_to<>'' AND assigned_at < ?
		 ORDER BY ord, created_at, id`,
		scopeID, string(protocol.TaskInProgress), cutoff.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return nil, fmt.Errorf("query stale tasks in %s: %w", scopeID, err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []protocol.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale tasks: %w", err)
	}
	return tasks, nil
}

// --- Row mapping ---

const selectTaskSQL = `SELECT id, scope_id, sprint_id, title, status, tier, ord, assigned_to, assigned_at, created_at, updated_at FROM tasks`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (protocol.Task, error) {
	var (
		t          protocol.Task
		status     string
		tier       sql.NullInt64
		assignedAt sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := r.Scan(&t.ID, &t.ScopeID, &t.SprintID, &t.Title, &status, &tier, &t.Order,
		&t.AssignedTo, &assignedAt, &createdAt, &updatedAt)
	if err != nil {
		return protocol.Task{}, err
	}

	t.Status = protocol.TaskStatus(status)
	if tier.Valid {
		v := int(tier.Int64)
		t.Tier = &v
	}
	if assignedAt.Valid && assignedAt.String != "" {
		ts, err := parseSQLiteTime(assignedAt.String)
		if err != nil {
			return protocol.Task{}, fmt.Errorf("parse assigned_at: %w", err)
		}
		t.AssignedAt = &ts
	}
	if t.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return protocol.Task{}, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return protocol.Task{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return t, nil
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

func tierValue(tier *int) any {
	if tier == nil {
		return nil
	}
	return *tier
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTimeFormat)
}
