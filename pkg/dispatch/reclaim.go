package dispatch

import (
	"context"
	"fmt"
	"time"

	"dray/pkg/eventlog"
	"dray/pkg/protocol"
)

// DefaultStaleThreshold is the lease age beyond which an assigned task is
// considered abandoned by its worker.
const DefaultStaleThreshold = 15 * time.Minute

// Reclaimer sweeps a scope for tasks whose lease expired and returns them
// to the backlog. Designed to run on a recurring timer; idempotent, since
// a second pass right after the first reclaims nothing because the first
// already cleared the lease fields.
type Reclaimer struct {
	store     TaskStore
	events    eventlog.Logger
	threshold time.Duration
	interval  time.Duration

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewReclaimer creates a Reclaimer. threshold <= 0 selects
// DefaultStaleThreshold; the sweep interval defaults to a third of the
// threshold.
func NewReclaimer(store TaskStore, events eventlog.Logger, threshold time.Duration) *Reclaimer {
	if events == nil {
		events = eventlog.NopLogger{}
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &Reclaimer{
		store:     store,
		events:    events,
		threshold: threshold,
		interval:  threshold / 3,
		nowFunc:   time.Now,
	}
}

// SetNowFunc overrides the clock.
//
//dray:testonly
func (r *Reclaimer) SetNowFunc(fn func() time.Time) { r.nowFunc = fn }

// SetInterval overrides the sweep interval used by Run.
func (r *Reclaimer) SetInterval(d time.Duration) { r.interval = d }

// Reclaim un-assigns every task in scope whose lease is older than the
// staleness threshold and returns the reclaimed tasks. The previous
// assignee is recorded in the event payload for audit.
func (r *Reclaimer) Reclaim(ctx context.Context, scopeID string) ([]protocol.Task, error) {
	cutoff := r.nowFunc().Add(-r.threshold)
	stale, err := r.store.StaleAssigned(ctx, scopeID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reclaim %s: %w", scopeID, err)
	}

	var reclaimed []protocol.Task
	for _, t := range stale {
		prev := t.AssignedTo
		t.Status = protocol.TaskBacklog
		t.AssignedTo = ""
		t.AssignedAt = nil
		if err := r.store.Save(ctx, t); err != nil {
			return reclaimed, fmt.Errorf("reclaim %s: %w", t.ID, err)
		}

		r.events.Log(ctx, eventlog.Event{
			Type:    EvStatusChanged,
			Source:  "reclaimer",
			ScopeID: t.ScopeID,
			TaskID:  t.ID,
			Payload: fmt.Sprintf(`{"old_status":%q,"new_status":%q,"reason":"stale_agent","previous_assignee":%q}`,
				protocol.TaskInProgress, protocol.TaskBacklog, prev),
		})
		reclaimed = append(reclaimed, t)
	}
	return reclaimed, nil
}

// Run sweeps scope on a ticker until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context, scopeID string) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Reclaim(ctx, scopeID)
		}
	}
}
