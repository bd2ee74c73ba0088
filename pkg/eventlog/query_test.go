package eventlog_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"dray/pkg/eventlog"
	"dray/pkg/protocol"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:eventlog_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(context.Background(), protocol.SchemaDDL); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

func TestLogAndQueryRoundTrip(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	log := eventlog.NewSQLiteLogger(db)
	reader := eventlog.NewReaderDB(db)
	ctx := context.Background()

	log.Log(ctx, eventlog.Event{
		Type: "dispatch", Source: "dispatch", ScopeID: "ws1", TaskID: "t1",
		ActorID: "w1", Payload: `{"tier":0}`,
	})
	log.Log(ctx, eventlog.Event{
		Type: "status_changed", Source: "lifecycle", ScopeID: "ws1", TaskID: "t1", ActorID: "w1",
	})
	log.Log(ctx, eventlog.Event{
		Type: "session_started", Source: "bridge", ActorID: "sess-1",
	})

	got, err := reader.Query(ctx, eventlog.QueryOpts{ScopeID: "ws1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("scope query = %d events, want 2", len(got))
	}
	// Newest first.
	if got[0].Type != "status_changed" || got[1].Type != "dispatch" {
		t.Errorf("order = [%s %s], want newest first", got[0].Type, got[1].Type)
	}
	if got[1].Payload != `{"tier":0}` {
		t.Errorf("payload = %q", got[1].Payload)
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("created_at not populated")
	}
}

func TestQueryFilters(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	log := eventlog.NewSQLiteLogger(db)
	reader := eventlog.NewReaderDB(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		log.Log(ctx, eventlog.Event{Type: "dispatch", Source: "dispatch", ScopeID: "ws1", ActorID: "w1"})
	}
	log.Log(ctx, eventlog.Event{Type: "hook_failed", Source: "lifecycle", ScopeID: "ws1"})

	byType, err := reader.Query(ctx, eventlog.QueryOpts{EventType: "hook_failed"})
	if err != nil {
		t.Fatalf("query by type: %v", err)
	}
	if len(byType) != 1 {
		t.Errorf("by type = %d events, want 1", len(byType))
	}

	limited, err := reader.Query(ctx, eventlog.QueryOpts{ActorID: "w1", Limit: 2})
	if err != nil {
		t.Fatalf("query limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited = %d events, want 2", len(limited))
	}

	none, err := reader.Query(ctx, eventlog.QueryOpts{ScopeID: "other"})
	if err != nil {
		t.Fatalf("query empty: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("empty scope = %d events, want 0", len(none))
	}
}
