package dispatch //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"dray/pkg/eventlog"
	"dray/pkg/protocol"

	_ "modernc.org/sqlite"
)

// newTestDB creates an in-memory SQLite database with the schema applied.
// Uses a shared-cache in-memory DB so all connections see the same data.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:dispatch_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

// newTestStore returns a SQLiteStore over a fresh in-memory database.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return NewSQLiteStore(newTestDB(t))
}

func intPtr(v int) *int { return &v }

// mkTask creates a task in the store with sensible defaults.
func mkTask(t *testing.T, store *SQLiteStore, id, scope string, status protocol.TaskStatus, tier *int, order int) protocol.Task {
	t.Helper()
	task := protocol.Task{
		ID:        id,
		ScopeID:   scope,
		Title:     "task " + id,
		Status:    status,
		Tier:      tier,
		Order:     order,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return task
}

// captureLogger records events for assertions. Mutex-guarded because
// lifecycle hooks log from a goroutine.
type captureLogger struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (c *captureLogger) Log(_ context.Context, e eventlog.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureLogger) byType(typ string) []eventlog.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []eventlog.Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
