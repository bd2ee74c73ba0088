package protocol

import "fmt"

// Wire error codes carried in ErrorPayload.Code.
const (
	CodeCLINotFound    = "CLI_NOT_FOUND"
	CodeProcessCrashed = "PROCESS_CRASHED"
	CodeTimeout        = "TIMEOUT"
	CodeMalformedEvent = "MALFORMED_EVENT"
	CodeNotFound       = "NOT_FOUND"
)

// TaskNotFoundError reports that no dispatchable task exists, or that a
// task lookup failed. It enables typed discrimination via errors.As.
type TaskNotFoundError struct {
	TaskID  string // empty when reporting "nothing dispatchable in scope"
	ScopeID string
}

func (e *TaskNotFoundError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("no dispatchable task in scope %s", e.ScopeID)
	}
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// ClaimConflictError reports that a conditional claim found the task
// already assigned. Recoverable: the caller retries dispatch.
type ClaimConflictError struct {
	TaskID string
	Worker string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("task %s already claimed (worker %s lost the race)", e.TaskID, e.Worker)
}

// SessionNotFoundError reports a session lookup failure.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// InvalidTransitionError reports a session transition attempted from a
// state that does not accept it. Transitions from terminal states always
// produce this error; they never silently change status.
type InvalidTransitionError struct {
	SessionID string
	From      SessionStatus
	Event     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: event %s not accepted in state %s", e.SessionID, e.Event, e.From)
}

// MalformedEventError reports a subprocess output line that failed schema
// validation. In the bridge context this surfaces as a typed protocol
// error rather than being silently dropped.
type MalformedEventError struct {
	Line   string
	Reason string
}

func (e *MalformedEventError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	return fmt.Sprintf("malformed stream event (%s): %s", e.Reason, line)
}

// SpawnError reports a subprocess spawn failure. CLINotFound distinguishes
// a missing binary from other spawn errors so the bridge can surface
// CLI_NOT_FOUND instead of a generic crash.
type SpawnError struct {
	Command     string
	CLINotFound bool
	Err         error
}

func (e *SpawnError) Error() string {
	if e.CLINotFound {
		return fmt.Sprintf("binary %q not found: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Code maps the spawn failure onto a wire error code.
func (e *SpawnError) Code() string {
	if e.CLINotFound {
		return CodeCLINotFound
	}
	return CodeProcessCrashed
}
