package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"dray/pkg/eventlog"
	"dray/pkg/protocol"
)

// Hook is a named post-transition side effect (e.g. checklist
// initialization when a task enters in_progress). Hooks run after the
// status write commits, asynchronously and best-effort: a failing hook is
// logged, never surfaced to the caller of SetStatus.
type Hook func(ctx context.Context, task protocol.Task) error

// LifecycleConfig holds Lifecycle policy switches.
type LifecycleConfig struct {
	// RequireReviewForDone forbids jumping straight to done except from
	// review. Product variants disagree on this rule, so it is a flag
	// rather than hard-coded behavior.
	RequireReviewForDone bool
}

// Lifecycle is the task status state machine: it owns the transition
// rules, the assignment-clearing invariant, and post-transition side
// effects.
type Lifecycle struct {
	store  TaskStore
	events eventlog.Logger
	cfg    LifecycleConfig

	mu    sync.Mutex
	hooks map[protocol.TaskStatus][]Hook

	hookWG sync.WaitGroup
	errw   io.Writer
}

// NewLifecycle creates a Lifecycle over store.
func NewLifecycle(store TaskStore, events eventlog.Logger, cfg LifecycleConfig) *Lifecycle {
	if events == nil {
		events = eventlog.NopLogger{}
	}
	return &Lifecycle{
		store:  store,
		events: events,
		cfg:    cfg,
		hooks:  make(map[protocol.TaskStatus][]Hook),
		errw:   os.Stderr,
	}
}

// OnEnter registers a hook invoked after a task enters status.
func (l *Lifecycle) OnEnter(status protocol.TaskStatus, h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks[status] = append(l.hooks[status], h)
}

// SetStatus transitions task id to next on behalf of actor, applying the
// assignment-clearing rules and emitting a status_changed event when the
// status actually changes. Setting the current status is a no-op.
func (l *Lifecycle) SetStatus(ctx context.Context, id string, next protocol.TaskStatus, actor string) (protocol.Task, error) {
	if !next.Valid() {
		return protocol.Task{}, fmt.Errorf("unknown task status %q", next)
	}

	t, err := l.store.Get(ctx, id)
	if err != nil {
		return protocol.Task{}, err
	}
	if t.Status == next {
		return t, nil
	}
	if l.cfg.RequireReviewForDone && next == protocol.TaskDone && t.Status != protocol.TaskReview {
		return protocol.Task{}, fmt.Errorf("task %s: done requires review first (current status %s)", id, t.Status)
	}

	old := t.Status
	t.Status = next
	if clearsAssignment(old, next) {
		t.AssignedTo = ""
		t.AssignedAt = nil
	}

	if err := l.store.Save(ctx, t); err != nil {
		return protocol.Task{}, err
	}

	l.events.Log(ctx, eventlog.Event{
		Type:    EvStatusChanged,
		Source:  "lifecycle",
		ScopeID: t.ScopeID,
		TaskID:  t.ID,
		ActorID: actor,
		Payload: fmt.Sprintf(`{"old_status":%q,"new_status":%q}`, old, next),
	})

	l.runHooks(ctx, next, t)
	return t, nil
}

// UpdateFields applies apply to the task's non-status fields and saves.
// No side effects fire: status and assignment are restored before the
// write regardless of what apply touched.
func (l *Lifecycle) UpdateFields(ctx context.Context, id string, apply func(*protocol.Task)) (protocol.Task, error) {
	t, err := l.store.Get(ctx, id)
	if err != nil {
		return protocol.Task{}, err
	}

	status, assignedTo, assignedAt := t.Status, t.AssignedTo, t.AssignedAt
	apply(&t)
	t.Status, t.AssignedTo, t.AssignedAt = status, assignedTo, assignedAt

	if err := l.store.Save(ctx, t); err != nil {
		return protocol.Task{}, err
	}
	return t, nil
}

// clearsAssignment implements the lease invariant: any transition that
// leaves in_progress without going through review nulls the assignment,
// as does every rejection out of review and every move to backlog.
func clearsAssignment(old, next protocol.TaskStatus) bool {
	switch next {
	case protocol.TaskBacklog, protocol.TaskBlocked, protocol.TaskDone:
		return true
	case protocol.TaskInProgress:
		return old == protocol.TaskReview // rejection path: re-dispatchable
	default:
		return false
	}
}

// runHooks fires the hooks registered for the entered status in a
// goroutine detached from the caller's cancellation.
func (l *Lifecycle) runHooks(ctx context.Context, entered protocol.TaskStatus, t protocol.Task) {
	l.mu.Lock()
	hooks := l.hooks[entered]
	l.mu.Unlock()
	if len(hooks) == 0 {
		return
	}

	hookCtx := context.WithoutCancel(ctx)
	l.hookWG.Add(1)
	go func() {
		defer l.hookWG.Done()
		for _, h := range hooks {
			if err := h(hookCtx, t); err != nil {
				fmt.Fprintf(l.errw, "warning: post-transition hook failed for task %s: %v\n", t.ID, err)
				l.events.Log(hookCtx, eventlog.Event{
					Type:    EvHookFailed,
					Source:  "lifecycle",
					ScopeID: t.ScopeID,
					TaskID:  t.ID,
					Payload: fmt.Sprintf(`{"status":%q,"error":%q}`, entered, err.Error()),
				})
			}
		}
	}()
}

// WaitHooks blocks until all in-flight hooks have finished.
//
//dray:testonly
func (l *Lifecycle) WaitHooks() { l.hookWG.Wait() }

// SetErrWriter redirects hook failure warnings.
//
//dray:testonly
func (l *Lifecycle) SetErrWriter(w io.Writer) { l.errw = w }
