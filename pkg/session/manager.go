package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dray/pkg/eventlog"
	"dray/pkg/protocol"
)

// Event log type constants written by the session subsystem.
const (
	EvSessionCreated   = "session_created"
	EvSessionStatus    = "session_status_changed"
	EvSessionReclaimed = "session_reconciled"
	EvSessionDeleted   = "session_deleted"
)

// Handle is the manager's grip on a live subprocess: just enough to stop
// it. Handles are registered by the bridge and never persisted.
type Handle interface {
	Cancel()
	Kill()
}

// CreateParams holds the user-supplied fields of a new session.
type CreateParams struct {
	Prompt string
	Model  string
}

// Manager composes the state machine and the store: every status change
// and timeline append goes through it and is persisted eagerly, so a crash
// at any point leaves a record the next run can reconcile.
type Manager struct {
	store  Store
	events eventlog.Logger

	mu      sync.Mutex
	handles map[string]Handle
	cancels map[string]bool // session ids with a user stop in flight

	nowFunc func() time.Time
	idFunc  func() string
}

// NewManager creates a Manager over store.
func NewManager(store Store, events eventlog.Logger) *Manager {
	if events == nil {
		events = eventlog.NopLogger{}
	}
	return &Manager{
		store:   store,
		events:  events,
		handles: make(map[string]Handle),
		cancels: make(map[string]bool),
		nowFunc: time.Now,
		idFunc:  uuid.NewString,
	}
}

// SetIDFunc overrides session id generation.
//
//dray:testonly
func (m *Manager) SetIDFunc(fn func() string) { m.idFunc = fn }

// Create persists a new session in starting state. The subprocess is not
// spawned here; that is the bridge's job, keyed by the returned id.
func (m *Manager) Create(ctx context.Context, p CreateParams) (protocol.Session, error) {
	now := m.nowFunc().UTC()
	rec := protocol.Session{
		ID:        m.idFunc(),
		Status:    protocol.SessionStarting,
		Prompt:    p.Prompt,
		Model:     p.Model,
		Timeline:  []protocol.TimelineEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return protocol.Session{}, err
	}

	m.events.Log(ctx, eventlog.Event{
		Type: EvSessionCreated, Source: "session", ActorID: rec.ID,
		Payload: fmt.Sprintf(`{"model":%q}`, rec.Model),
	})
	return rec, nil
}

// Get loads one session record.
func (m *Manager) Get(ctx context.Context, id string) (protocol.Session, error) {
	return m.store.Get(ctx, id)
}

// List returns all session records, newest first.
func (m *Manager) List(ctx context.Context) ([]protocol.Session, error) {
	return m.store.List(ctx)
}

// Transition fires ev against the session's current status, persists the
// result, and returns the updated record. Unaccepted events fail with
// InvalidTransitionError and leave the record untouched.
func (m *Manager) Transition(ctx context.Context, id string, ev TransitionEvent) (protocol.Session, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return protocol.Session{}, err
	}

	next, err := Apply(id, rec.Status, ev)
	if err != nil {
		return protocol.Session{}, err
	}

	old := rec.Status
	rec.Status = next
	if err := m.store.Put(ctx, rec); err != nil {
		return protocol.Session{}, err
	}

	m.events.Log(ctx, eventlog.Event{
		Type: EvSessionStatus, Source: "session", ActorID: id,
		Payload: fmt.Sprintf(`{"old":%q,"new":%q,"event":%q}`, old, next, ev),
	})
	return rec, nil
}

// AppendTimeline appends entries to the session's conversation history and
// refreshes the denormalized summary in the same write.
func (m *Manager) AppendTimeline(ctx context.Context, id string, entries ...protocol.TimelineEntry) (protocol.Session, error) {
	if len(entries) == 0 {
		return m.store.Get(ctx, id)
	}

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return protocol.Session{}, err
	}

	rec.Timeline = append(rec.Timeline, entries...)
	rec.Summary = summarize(rec.Timeline)
	if err := m.store.Put(ctx, rec); err != nil {
		return protocol.Session{}, err
	}
	return rec, nil
}

// ResolveTool records the outcome of the newest unresolved tool_call entry
// matching toolID. Resolution fills the entry's pending Ok field; it never
// reorders or removes history.
func (m *Manager) ResolveTool(ctx context.Context, id, toolID string, ok bool) (protocol.Session, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return protocol.Session{}, err
	}

	for i := len(rec.Timeline) - 1; i >= 0; i-- {
		e := &rec.Timeline[i]
		if e.Kind == protocol.EntryToolCall && e.ToolID == toolID && e.Ok == nil {
			v := ok
			e.Ok = &v
			break
		}
	}

	if err := m.store.Put(ctx, rec); err != nil {
		return protocol.Session{}, err
	}
	return rec, nil
}

// summarize recomputes the list-view counters from the full timeline.
func summarize(timeline []protocol.TimelineEntry) protocol.TimelineSummary {
	var s protocol.TimelineSummary
	for _, e := range timeline {
		switch e.Kind {
		case protocol.EntryMessage:
			s.MessageCount++
			s.LastText = e.Text
		case protocol.EntryToolCall:
			s.ToolCount++
		case protocol.EntryDone:
			if e.Text != "" {
				s.LastText = e.Text
			}
		}
	}
	return s
}

// Stop drives a user-initiated cancel: the session transitions to canceled
// and the live process, if any, is cancelled. The cancel mark lets the
// bridge suppress the process's death throes instead of reporting them as
// crashes.
func (m *Manager) Stop(ctx context.Context, id string) (protocol.Session, error) {
	m.mu.Lock()
	m.cancels[id] = true
	handle := m.handles[id]
	m.mu.Unlock()

	rec, err := m.Transition(ctx, id, EvUserStop)
	if err != nil {
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
		return protocol.Session{}, err
	}

	if handle != nil {
		handle.Cancel()
	}
	return rec, nil
}

// Resume re-enters a terminal session: status resets to starting with the
// timeline preserved, ready for the bridge to spawn a fresh process.
// Resuming a live session is an error; stop it first.
func (m *Manager) Resume(ctx context.Context, id string) (protocol.Session, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return protocol.Session{}, err
	}
	if !rec.Status.Terminal() {
		return protocol.Session{}, &protocol.InvalidTransitionError{
			SessionID: id, From: rec.Status, Event: "RESUME",
		}
	}

	old := rec.Status
	rec.Status = protocol.SessionStarting
	if err := m.store.Put(ctx, rec); err != nil {
		return protocol.Session{}, err
	}

	m.events.Log(ctx, eventlog.Event{
		Type: EvSessionStatus, Source: "session", ActorID: id,
		Payload: fmt.Sprintf(`{"old":%q,"new":%q,"event":"RESUME"}`, old, rec.Status),
	})
	return rec, nil
}

// Reconcile force-interrupts every persisted non-terminal session. Called
// once at load: process handles do not survive a restart, so a non-terminal
// record is by definition orphaned. Returns the sessions it interrupted.
func (m *Manager) Reconcile(ctx context.Context) ([]protocol.Session, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var interrupted []protocol.Session
	for _, rec := range all {
		if rec.Status.Terminal() {
			continue
		}
		old := rec.Status
		rec.Status = ForceInterrupt(rec.Status)
		if err := m.store.Put(ctx, rec); err != nil {
			return interrupted, fmt.Errorf("reconcile %s: %w", rec.ID, err)
		}
		m.events.Log(ctx, eventlog.Event{
			Type: EvSessionReclaimed, Source: "session", ActorID: rec.ID,
			Payload: fmt.Sprintf(`{"old":%q}`, old),
		})
		interrupted = append(interrupted, rec)
	}
	return interrupted, nil
}

// Cleanup deletes a terminal session's record. Live sessions must be
// stopped first.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("session %s is %s; stop it before cleanup", id, rec.Status)
	}

	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.events.Log(ctx, eventlog.Event{Type: EvSessionDeleted, Source: "session", ActorID: id})
	return nil
}

// --- Handle registry ---

// Attach registers the live process handle for a session.
func (m *Manager) Attach(id string, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[id] = h
}

// Detach forgets the session's handle and cancel mark. Called by the
// bridge after the process exits so nothing dangles.
func (m *Manager) Detach(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, id)
	delete(m.cancels, id)
}

// CancelRequested reports whether a user stop is in flight for the session.
func (m *Manager) CancelRequested(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels[id]
}
