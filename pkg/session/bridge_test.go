package session //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"dray/pkg/protocol"
	"dray/pkg/runner"
)

func decodePayload[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return v
}

func TestOpenHelloSessionCompletes(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	sink := &captureSink{}
	b := NewBridge(m, sink, Config{})
	ctx := context.Background()

	rec, _ := m.Create(ctx, CreateParams{Prompt: "hello"})
	useProc(b, script(runner.ExitResult{Code: 0},
		`{"type":"system","subtype":"init","session_id":"x"}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi "}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"there"}}`,
		`{"type":"result","subtype":"success","result":"Hi there"}`,
	))

	if err := b.Open(ctx, rec.ID); err != nil {
		t.Fatalf("open: %v", err)
	}

	// starting -> running -> streaming -> completed, in order.
	states := sink.byType(protocol.WireSessionState)
	want := []protocol.SessionStatus{protocol.SessionRunning, protocol.SessionStreaming, protocol.SessionCompleted}
	if len(states) != len(want) {
		t.Fatalf("session state envelopes = %d, want %d", len(states), len(want))
	}
	for i, env := range states {
		p := decodePayload[protocol.SessionStatePayload](t, env)
		if p.Status != want[i] {
			t.Errorf("state %d = %s, want %s", i, p.Status, want[i])
		}
		if env.Protocol != protocol.ProtocolVersion {
			t.Errorf("envelope missing protocol version: %+v", env)
		}
	}

	if n := len(sink.byType(protocol.WireTextDelta)); n != 2 {
		t.Errorf("text delta envelopes = %d, want 2", n)
	}
	done := sink.byType(protocol.WireSessionCompleted)
	if len(done) != 1 {
		t.Fatalf("completed envelopes = %d, want 1", len(done))
	}
	if p := decodePayload[protocol.SessionCompletedPayload](t, done[0]); p.Result != "Hi there" {
		t.Errorf("result = %q", p.Result)
	}

	// The list view shows the finished conversation.
	all, err := m.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].Status != protocol.SessionCompleted {
		t.Fatalf("list = %+v", all)
	}
	if all[0].Summary.MessageCount < 1 {
		t.Errorf("message count = %d, want >= 1", all[0].Summary.MessageCount)
	}
}

func TestOpenRecordsToolLifecycle(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	sink := &captureSink{}
	b := NewBridge(m, sink, Config{})
	ctx := context.Background()

	rec, _ := m.Create(ctx, CreateParams{Prompt: "run ls"})
	useProc(b, script(runner.ExitResult{Code: 0},
		`{"type":"content_block_start","content_block":{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"ok"}]}}`,
		`{"type":"result","subtype":"success","result":"listed"}`,
	))

	if err := b.Open(ctx, rec.ID); err != nil {
		t.Fatalf("open: %v", err)
	}

	got, _ := m.Get(ctx, rec.ID)
	var tool *protocol.TimelineEntry
	for i := range got.Timeline {
		if got.Timeline[i].Kind == protocol.EntryToolCall {
			tool = &got.Timeline[i]
		}
	}
	if tool == nil {
		t.Fatalf("no tool entry in timeline: %+v", got.Timeline)
	}
	if tool.Tool != "Bash" || tool.ToolID != "tu_1" {
		t.Errorf("tool entry = %+v", tool)
	}
	if tool.Ok == nil || !*tool.Ok {
		t.Error("tool entry not resolved as success")
	}
	if got.Summary.ToolCount != 1 {
		t.Errorf("tool count = %d, want 1", got.Summary.ToolCount)
	}

	if n := len(sink.byType(protocol.WireToolStarted)); n != 1 {
		t.Errorf("tool started envelopes = %d, want 1", n)
	}
	completed := sink.byType(protocol.WireToolCompleted)
	if len(completed) != 1 {
		t.Fatalf("tool completed envelopes = %d, want 1", len(completed))
	}
	if p := decodePayload[protocol.ToolCompletedPayload](t, completed[0]); !p.Ok || p.ToolID != "tu_1" {
		t.Errorf("tool completed payload = %+v", p)
	}
}

func TestOpenSpawnFailureFailsSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	sink := &captureSink{}
	b := NewBridge(m, sink, Config{})
	ctx := context.Background()

	rec, _ := m.Create(ctx, CreateParams{Prompt: "p"})
	useProc(b, &fakeProc{startErr: &protocol.SpawnError{
		Command: "claude", CLINotFound: true, Err: errors.New("executable file not found"),
	}})

	err := b.Open(ctx, rec.ID)
	var spawn *protocol.SpawnError
	if !errors.As(err, &spawn) {
		t.Fatalf("want SpawnError, got %v", err)
	}

	got, _ := m.Get(ctx, rec.ID)
	if got.Status != protocol.SessionFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	errs := sink.byType(protocol.WireError)
	if len(errs) != 1 {
		t.Fatalf("error envelopes = %d, want 1", len(errs))
	}
	if p := decodePayload[protocol.ErrorPayload](t, errs[0]); p.Code != protocol.CodeCLINotFound {
		t.Errorf("error code = %s, want %s", p.Code, protocol.CodeCLINotFound)
	}
}

func TestOpenProcessDeathInterruptsSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	sink := &captureSink{}
	b := NewBridge(m, sink, Config{})
	ctx := context.Background()

	rec, _ := m.Create(ctx, CreateParams{Prompt: "p"})
	// Some output, then the process dies without a result.
	proc := script(runner.ExitResult{Code: 1},
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"working"}}`,
	)
	proc.events = prepend(proc.events, runner.Event{Kind: runner.EventStderr, Data: []byte("segfault\n")})
	useProc(b, proc)

	if err := b.Open(ctx, rec.ID); err != nil {
		t.Fatalf("open: %v", err)
	}

	got, _ := m.Get(ctx, rec.ID)
	if got.Status != protocol.SessionInterrupted {
		t.Errorf("status = %s, want interrupted", got.Status)
	}

	// The streamed text is not lost: it lands in the timeline before the
	// error entry.
	if len(got.Timeline) < 2 || got.Timeline[0].Kind != protocol.EntryMessage {
		t.Fatalf("timeline = %+v", got.Timeline)
	}
	last := got.Timeline[len(got.Timeline)-1]
	if last.Kind != protocol.EntryError || last.Code != protocol.CodeProcessCrashed {
		t.Errorf("last entry = %+v", last)
	}

	errs := sink.byType(protocol.WireError)
	if len(errs) != 1 {
		t.Fatalf("error envelopes = %d, want 1", len(errs))
	}
	p := decodePayload[protocol.ErrorPayload](t, errs[0])
	if p.Code != protocol.CodeProcessCrashed {
		t.Errorf("error code = %s", p.Code)
	}
}

func TestOpenTimeoutFailsSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	sink := &captureSink{}
	b := NewBridge(m, sink, Config{})
	ctx := context.Background()

	rec, _ := m.Create(ctx, CreateParams{Prompt: "p"})
	useProc(b, script(runner.ExitResult{Code: -1, TimedOut: true}))

	if err := b.Open(ctx, rec.ID); err != nil {
		t.Fatalf("open: %v", err)
	}

	got, _ := m.Get(ctx, rec.ID)
	if got.Status != protocol.SessionFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	errs := sink.byType(protocol.WireError)
	if len(errs) != 1 {
		t.Fatalf("error envelopes = %d, want 1", len(errs))
	}
	if p := decodePayload[protocol.ErrorPayload](t, errs[0]); p.Code != protocol.CodeTimeout {
		t.Errorf("error code = %s, want %s", p.Code, protocol.CodeTimeout)
	}
}

func TestOpenMalformedLineSurfacesWithoutKillingSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	sink := &captureSink{}
	b := NewBridge(m, sink, Config{})
	ctx := context.Background()

	rec, _ := m.Create(ctx, CreateParams{Prompt: "p"})
	useProc(b, script(runner.ExitResult{Code: 0},
		`npm WARN deprecated whatever`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"fine"}}`,
		`{"type":"result","subtype":"success","result":"fine"}`,
	))

	if err := b.Open(ctx, rec.ID); err != nil {
		t.Fatalf("open: %v", err)
	}

	got, _ := m.Get(ctx, rec.ID)
	if got.Status != protocol.SessionCompleted {
		t.Errorf("status = %s, want completed despite malformed line", got.Status)
	}

	errs := sink.byType(protocol.WireError)
	if len(errs) != 1 {
		t.Fatalf("error envelopes = %d, want 1", len(errs))
	}
	if p := decodePayload[protocol.ErrorPayload](t, errs[0]); p.Code != protocol.CodeMalformedEvent {
		t.Errorf("error code = %s, want %s", p.Code, protocol.CodeMalformedEvent)
	}
}

func TestOpenUserStopSuppressesCrashReport(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	sink := &captureSink{}
	b := NewBridge(m, sink, Config{})
	ctx := context.Background()

	rec, _ := m.Create(ctx, CreateParams{Prompt: "p"})

	// Manually driven process: Open blocks on the channel while the user
	// stops the session, then the process dies from the cancel signal.
	proc := &fakeProc{events: make(chan runner.Event)}
	useProc(b, proc)

	done := make(chan error, 1)
	go func() { done <- b.Open(ctx, rec.ID) }()

	// Once the session is running, the handle is attached and the spawn
	// transition is behind us.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := m.Get(ctx, rec.ID)
		if err == nil && got.Status == protocol.SessionRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never reached running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := m.Stop(ctx, rec.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	proc.events <- runner.Event{Kind: runner.EventExit, Exit: &runner.ExitResult{Code: -1, Signal: "terminated", Cancelled: true}}
	close(proc.events)
	if err := <-done; err != nil {
		t.Fatalf("open: %v", err)
	}

	got, _ := m.Get(ctx, rec.ID)
	if got.Status != protocol.SessionCanceled {
		t.Errorf("status = %s, want canceled", got.Status)
	}
	// A user stop is not a crash; no error envelope.
	if errs := sink.byType(protocol.WireError); len(errs) != 0 {
		t.Errorf("error envelopes = %d, want 0", len(errs))
	}
	proc.mu.Lock()
	cancelled := proc.cancelled
	proc.mu.Unlock()
	if !cancelled {
		t.Error("stop must reach the live process through the handle")
	}
}

func TestOpenRejectsNonStartingSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	b := NewBridge(m, nil, Config{})
	ctx := context.Background()

	rec, _ := m.Create(ctx, CreateParams{Prompt: "p"})
	_, _ = m.Transition(ctx, rec.ID, EvCLISpawned)

	err := b.Open(ctx, rec.ID)
	var invalid *protocol.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("want InvalidTransitionError, got %v", err)
	}
}

// prepend rebuilds a closed scripted channel with extra leading events.
func prepend(events chan runner.Event, extra ...runner.Event) chan runner.Event {
	var rest []runner.Event
	for e := range events {
		rest = append(rest, e)
	}
	out := make(chan runner.Event, len(extra)+len(rest))
	for _, e := range extra {
		out <- e
	}
	for _, e := range rest {
		out <- e
	}
	close(out)
	return out
}
