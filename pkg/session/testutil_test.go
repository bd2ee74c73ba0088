package session //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"dray/pkg/protocol"
	"dray/pkg/runner"

	_ "modernc.org/sqlite"
)

// newTestDB creates an in-memory SQLite database with the schema applied.
// Uses a shared-cache in-memory DB so all connections see the same data.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:session_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return NewSQLiteStore(newTestDB(t))
}

// newTestManager returns a Manager with deterministic session ids
// (sess-1, sess-2, ...).
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(newTestStore(t), nil)
	var seq int
	m.SetIDFunc(func() string {
		seq++
		return fmt.Sprintf("sess-%d", seq)
	})
	return m
}

// captureSink records emitted envelopes. Mutex-guarded because the bridge
// emits from its pump goroutine.
type captureSink struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (s *captureSink) Emit(env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
}

func (s *captureSink) byType(t protocol.WireType) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range s.envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeProc is a scripted subprocess: Start hands out a pre-filled event
// channel, and the signal methods just record that they were called.
type fakeProc struct {
	events   chan runner.Event
	startErr error

	mu        sync.Mutex
	cancelled bool
	killed    bool
}

// script builds a fakeProc that replays lines then exits.
func script(exit runner.ExitResult, lines ...string) *fakeProc {
	events := make(chan runner.Event, len(lines)+1)
	for _, l := range lines {
		events <- runner.Event{Kind: runner.EventLine, Line: l}
	}
	events <- runner.Event{Kind: runner.EventExit, Exit: &exit}
	close(events)
	return &fakeProc{events: events}
}

func (f *fakeProc) Start(context.Context) (<-chan runner.Event, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.events, nil
}

func (f *fakeProc) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
}

func (f *fakeProc) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
}

// useProc wires a bridge to always spawn the given fake.
func useProc(b *Bridge, p *fakeProc) {
	b.SetProcFunc(func(runner.Config) process { return p })
}
