package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"dray/pkg/eventlog"
	"dray/pkg/protocol"
)

// Policy selects the next dispatchable task for a scope. Pure decision
// logic plus the atomic claim; it never creates or destroys tasks.
type Policy struct {
	store  TaskStore
	events eventlog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewPolicy creates a Policy over store, logging dispatches to events.
func NewPolicy(store TaskStore, events eventlog.Logger) *Policy {
	if events == nil {
		events = eventlog.NopLogger{}
	}
	return &Policy{store: store, events: events, nowFunc: time.Now}
}

// SetNowFunc overrides the clock.
//
//dray:testonly
func (p *Policy) SetNowFunc(fn func() time.Time) { p.nowFunc = fn }

// SelectOpts narrows SelectNext.
type SelectOpts struct {
	SprintID string
}

// SelectNext picks and claims the next dispatchable task in scope for
// workerID.
//
// Tiered scopes are served under strict tier gating: the active tier is
// the lowest-numbered tier that is not yet complete (a tier is complete
// when every task in it is in review or done). If the active tier has no
// dispatchable task (everything in it already claimed), dispatch fails
// with TaskNotFoundError rather than falling through to a higher tier.
// Scopes with no tiered task at all fall back to scanning every
// dispatchable task. Untiered tasks in a tiered scope are ignored.
//
// Candidates are ordered by (order, created_at); the claim is a
// conditional update, and a lost race moves on to the next candidate in
// the same set.
func (p *Policy) SelectNext(ctx context.Context, scopeID, workerID string, opts SelectOpts) (protocol.Task, error) {
	tasks, err := p.store.List(ctx, scopeID, opts.SprintID)
	if err != nil {
		return protocol.Task{}, fmt.Errorf("load scope %s: %w", scopeID, err)
	}

	candidates := selectCandidates(tasks)
	if len(candidates) == 0 {
		return protocol.Task{}, &protocol.TaskNotFoundError{ScopeID: scopeID}
	}

	now := p.nowFunc()
	for _, c := range candidates {
		err := p.store.Claim(ctx, c.ID, workerID, now)
		if err != nil {
			var conflict *protocol.ClaimConflictError
			if errors.As(err, &conflict) {
				continue // lost the race; try the next candidate in the same tier
			}
			return protocol.Task{}, err
		}

		claimed, err := p.store.Get(ctx, c.ID)
		if err != nil {
			return protocol.Task{}, err
		}

		p.events.Log(ctx, eventlog.Event{
			Type:    EvDispatch,
			Source:  "dispatch",
			ScopeID: scopeID,
			TaskID:  c.ID,
			ActorID: workerID,
			Payload: fmt.Sprintf(`{"old_status":%q,"new_status":%q,"worker":%q,"tier":%s}`,
				c.Status, protocol.TaskInProgress, workerID, tierJSON(c.Tier)),
		})
		return claimed, nil
	}

	return protocol.Task{}, &protocol.TaskNotFoundError{ScopeID: scopeID}
}

// selectCandidates applies tier gating and ordering to a scope snapshot.
func selectCandidates(tasks []protocol.Task) []protocol.Task {
	tiers := make(map[int][]protocol.Task)
	for _, t := range tasks {
		if t.Tiered() {
			tiers[*t.Tier] = append(tiers[*t.Tier], t)
		}
	}

	var pool []protocol.Task
	if len(tiers) == 0 {
		// Legacy fallback: no task carries a tier.
		pool = tasks
	} else {
		active, ok := activeTier(tiers)
		if !ok {
			return nil // all tiers complete
		}
		pool = tiers[active]
	}

	var candidates []protocol.Task
	for _, t := range pool {
		if t.Dispatchable() {
			candidates = append(candidates, t)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Order != candidates[j].Order {
			return candidates[i].Order < candidates[j].Order
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates
}

// activeTier returns the lowest tier number that is not complete.
func activeTier(tiers map[int][]protocol.Task) (int, bool) {
	nums := make([]int, 0, len(tiers))
	for n := range tiers {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	for _, n := range nums {
		if !tierComplete(tiers[n]) {
			return n, true
		}
	}
	return 0, false
}

func tierComplete(tasks []protocol.Task) bool {
	for _, t := range tasks {
		if !t.Status.Settled() {
			return false
		}
	}
	return true
}

func tierJSON(tier *int) string {
	if tier == nil {
		return "null"
	}
	return fmt.Sprintf("%d", *tier)
}
