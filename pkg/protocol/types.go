// Package protocol defines the shared vocabulary of the dray runtime:
// task and session records, status enumerations, typed errors, the SQLite
// schema, and the versioned wire envelope consumed by UI layers.
package protocol

import "time"

// DrayDir is the per-user state directory name under $HOME.
const DrayDir = ".dray"

// --- Task statuses ---

// TaskStatus is the lifecycle state of a work item.
type TaskStatus string

// Task status constants.
const (
	TaskBacklog    TaskStatus = "backlog"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskDone       TaskStatus = "done"
	TaskBlocked    TaskStatus = "blocked"
)

// Valid reports whether s is one of the five known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskBacklog, TaskInProgress, TaskReview, TaskDone, TaskBlocked:
		return true
	default:
		return false
	}
}

// Settled reports whether s counts toward tier completion. A tier is
// complete when every task in it is settled.
func (s TaskStatus) Settled() bool {
	return s == TaskReview || s == TaskDone
}

// --- Task ---

// Task is a dispatchable work item. AssignedTo/AssignedAt together form the
// lease: AssignedTo is non-empty only while the task is in_progress and a
// dispatch has claimed it.
type Task struct {
	ID         string     `json:"id"`
	ScopeID    string     `json:"scope_id"`
	SprintID   string     `json:"sprint_id,omitempty"`
	Title      string     `json:"title"`
	Status     TaskStatus `json:"status"`
	Tier       *int       `json:"tier,omitempty"` // nil = untiered legacy task
	Order      int        `json:"order"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Dispatchable reports whether t can be handed to a worker: backlog, or
// in_progress with no live assignee (a reclaimed or rejected item).
func (t Task) Dispatchable() bool {
	if t.Status == TaskBacklog {
		return true
	}
	return t.Status == TaskInProgress && t.AssignedTo == ""
}

// Tiered reports whether t carries an explicit tier.
func (t Task) Tiered() bool {
	return t.Tier != nil
}

// --- Session statuses ---

// SessionStatus is the lifecycle state of an agent subprocess session.
type SessionStatus string

// Session status constants. The first three are non-terminal; the rest
// accept no further transitions.
const (
	SessionStarting    SessionStatus = "starting"
	SessionRunning     SessionStatus = "running"
	SessionStreaming   SessionStatus = "streaming"
	SessionCompleted   SessionStatus = "completed"
	SessionCanceled    SessionStatus = "canceled"
	SessionFailed      SessionStatus = "failed"
	SessionInterrupted SessionStatus = "interrupted"
)

// Terminal reports whether s accepts no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionCanceled, SessionFailed, SessionInterrupted:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStarting, SessionRunning, SessionStreaming:
		return true
	default:
		return s.Terminal()
	}
}

// --- Timeline ---

// EntryKind tags a TimelineEntry variant.
type EntryKind string

// Timeline entry kinds.
const (
	EntryMessage  EntryKind = "message"
	EntryToolCall EntryKind = "tool_call"
	EntryError    EntryKind = "error"
	EntryDone     EntryKind = "done"
)

// TimelineEntry is one append-only record in a session's conversation
// history. Kind selects which payload fields are meaningful.
type TimelineEntry struct {
	Kind EntryKind `json:"kind"`
	Ts   time.Time `json:"ts"`

	// message / error / done
	Text string `json:"text,omitempty"`

	// tool_call
	Tool   string `json:"tool,omitempty"`
	ToolID string `json:"tool_id,omitempty"`
	Params string `json:"params,omitempty"`
	Ok     *bool  `json:"ok,omitempty"` // nil until the tool result arrives

	// error
	Code string `json:"code,omitempty"`
}

// TimelineSummary holds denormalized counters so list views don't have to
// load the full timeline.
type TimelineSummary struct {
	MessageCount int    `json:"message_count"`
	ToolCount    int    `json:"tool_count"`
	LastText     string `json:"last_text,omitempty"`
}

// --- Session ---

// Session is one logical conversation with an agent subprocess. The record
// is the source of truth in the session store; the live process handle is
// never persisted. Handles do not survive restart, which is what
// reconciliation exists for.
type Session struct {
	ID        string          `json:"id"`
	Status    SessionStatus   `json:"status"`
	Prompt    string          `json:"prompt"`
	Model     string          `json:"model,omitempty"`
	Timeline  []TimelineEntry `json:"timeline"`
	Summary   TimelineSummary `json:"summary"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
