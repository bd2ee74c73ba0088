package dispatch //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"strings"
	"testing"
	"time"

	"dray/pkg/protocol"
)

func TestReclaimReturnsStaleTasksToBacklog(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	log := &captureLogger{}
	rec := NewReclaimer(store, log, 15*time.Minute)
	ctx := context.Background()

	now := time.Now().UTC()
	rec.SetNowFunc(func() time.Time { return now })

	mkTask(t, store, "stale", "ws1", protocol.TaskBacklog, nil, 0)
	if err := store.Claim(ctx, "stale", "w1", now.Add(-20*time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	reclaimed, err := rec.Reclaim(ctx, "ws1")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != "stale" {
		t.Fatalf("reclaimed = %+v, want [stale]", reclaimed)
	}

	got, _ := store.Get(ctx, "stale")
	if got.Status != protocol.TaskBacklog || got.AssignedTo != "" || got.AssignedAt != nil {
		t.Errorf("task not reset: %+v", got)
	}

	events := log.byType(EvStatusChanged)
	if len(events) != 1 {
		t.Fatalf("status_changed events = %d, want 1", len(events))
	}
	for _, frag := range []string{`"reason":"stale_agent"`, `"previous_assignee":"w1"`} {
		if !strings.Contains(events[0].Payload, frag) {
			t.Errorf("payload missing %s: %s", frag, events[0].Payload)
		}
	}
}

func TestReclaimIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	rec := NewReclaimer(store, nil, 15*time.Minute)
	ctx := context.Background()

	now := time.Now().UTC()
	rec.SetNowFunc(func() time.Time { return now })

	mkTask(t, store, "stale", "ws1", protocol.TaskBacklog, nil, 0)
	if err := store.Claim(ctx, "stale", "w1", now.Add(-time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	first, err := rec.Reclaim(ctx, "ws1")
	if err != nil {
		t.Fatalf("first reclaim: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first reclaim = %d tasks, want 1", len(first))
	}

	second, err := rec.Reclaim(ctx, "ws1")
	if err != nil {
		t.Fatalf("second reclaim: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second reclaim = %d tasks, want 0", len(second))
	}
}

func TestReclaimSkipsFreshLeases(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	rec := NewReclaimer(store, nil, 15*time.Minute)
	ctx := context.Background()

	now := time.Now().UTC()
	rec.SetNowFunc(func() time.Time { return now })

	// A dispatch that happened moments ago has assigned_at newer than the
	// staleness threshold, so a reclaim pass leaves it alone.
	mkTask(t, store, "fresh", "ws1", protocol.TaskBacklog, nil, 0)
	if err := store.Claim(ctx, "fresh", "w1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	reclaimed, err := rec.Reclaim(ctx, "ws1")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Errorf("reclaimed = %+v, want none", reclaimed)
	}
}

func TestReclaimDefaultThreshold(t *testing.T) {
	t.Parallel()

	rec := NewReclaimer(newTestStore(t), nil, 0)
	if rec.threshold != DefaultStaleThreshold {
		t.Errorf("threshold = %v, want %v", rec.threshold, DefaultStaleThreshold)
	}
	if rec.interval != DefaultStaleThreshold/3 {
		t.Errorf("interval = %v, want threshold/3", rec.interval)
	}
}
