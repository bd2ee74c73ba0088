package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dray/pkg/protocol"
	"dray/pkg/runner"
	"dray/pkg/stream"
)

// DefaultCommand is the agent CLI binary the bridge spawns.
const DefaultCommand = "claude"

// Config holds bridge configuration for spawning agent subprocesses.
type Config struct {
	Command     string        // default "claude"
	Dir         string        // working directory for the subprocess
	Timeout     time.Duration // 0 disables
	GracePeriod time.Duration // cancel escalation, passed through to the runner
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Command == "" {
		out.Command = DefaultCommand
	}
	return out
}

// process is the bridge's view of a spawnable subprocess; satisfied by
// *runner.Runner and by test fakes.
type process interface {
	Start(ctx context.Context) (<-chan runner.Event, error)
	Cancel()
	Kill()
}

// Bridge wires one live subprocess to one session's state transitions:
// spawn drives CLI_SPAWNED, the first text delta drives FIRST_TEXT_DELTA,
// the final result drives RESULT_RECEIVED, and every anomaly lands the
// session in the matching terminal state. All observations also flow to
// the sink as versioned wire envelopes.
type Bridge struct {
	manager *Manager
	sink    Sink
	cfg     Config
	norm    *stream.Normalizer

	newProc func(cfg runner.Config) process
}

// NewBridge creates a Bridge over manager, emitting envelopes to sink.
func NewBridge(manager *Manager, sink Sink, cfg Config) *Bridge {
	if sink == nil {
		sink = NopSink{}
	}
	return &Bridge{
		manager: manager,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		// The bridge never drops malformed subprocess output silently.
		norm: &stream.Normalizer{Strict: true},
		newProc: func(cfg runner.Config) process {
			return runner.New(cfg)
		},
	}
}

// SetProcFunc substitutes the subprocess factory.
//
//dray:testonly
func (b *Bridge) SetProcFunc(fn func(cfg runner.Config) process) { b.newProc = fn }

// Open spawns the subprocess for a session in starting state and pumps its
// lifecycle to completion. It blocks until the process exits and the final
// state is persisted; callers wanting concurrency run it in a goroutine.
func (b *Bridge) Open(ctx context.Context, id string) error {
	rec, err := b.manager.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != protocol.SessionStarting {
		return &protocol.InvalidTransitionError{SessionID: id, From: rec.Status, Event: string(EvCLISpawned)}
	}

	proc := b.newProc(runner.Config{
		Command:     b.cfg.Command,
		Args:        buildArgs(rec),
		Dir:         b.cfg.Dir,
		Timeout:     b.cfg.Timeout,
		GracePeriod: b.cfg.GracePeriod,
	})

	events, err := proc.Start(ctx)
	if err != nil {
		return b.failSpawn(ctx, id, err)
	}

	b.manager.Attach(id, proc)
	defer b.manager.Detach(id)

	if rec, err = b.manager.Transition(ctx, id, EvCLISpawned); err != nil {
		// The session was stopped between spawn and the transition; the
		// handle registry lets Stop reach the process we just started.
		proc.Kill()
		return err
	}
	b.emit(protocol.WireSessionState, protocol.SessionStatePayload{SessionID: id, Status: rec.Status})

	pump := pumpState{}
	for ev := range events {
		switch ev.Kind {
		case runner.EventLine:
			b.handleLine(ctx, id, ev.Line, &pump)
		case runner.EventStderr:
			pump.stderrTail = appendTail(pump.stderrTail, ev.Data)
		case runner.EventExit:
			pump.exit = ev.Exit
		}
	}

	return b.finish(ctx, id, &pump)
}

// buildArgs assembles the agent CLI invocation: non-interactive prompt
// mode with stream-json output on stdout.
func buildArgs(rec protocol.Session) []string {
	args := []string{"-p", rec.Prompt, "--output-format", "stream-json", "--verbose"}
	if rec.Model != "" {
		args = append(args, "--model", rec.Model)
	}
	return args
}

// pumpState carries the per-open mutable bits across the event loop.
type pumpState struct {
	sawFirstDelta bool
	textBuf       string
	stderrTail    []byte
	exit          *runner.ExitResult
}

// handleLine normalizes one stdout line and applies its consequences.
func (b *Bridge) handleLine(ctx context.Context, id, line string, pump *pumpState) {
	events, err := b.norm.Parse(line)
	if err != nil {
		var malformed *protocol.MalformedEventError
		if errors.As(err, &malformed) {
			b.emit(protocol.WireError, protocol.ErrorPayload{
				SessionID: id, Code: protocol.CodeMalformedEvent, Message: malformed.Error(),
			})
		}
		return
	}

	for _, ev := range events {
		switch ev.Kind {
		case stream.KindTextDelta:
			if !pump.sawFirstDelta {
				pump.sawFirstDelta = true
				if rec, err := b.manager.Transition(ctx, id, EvFirstTextDelta); err == nil {
					b.emit(protocol.WireSessionState, protocol.SessionStatePayload{SessionID: id, Status: rec.Status})
				}
			}
			pump.textBuf += ev.Text
			b.emit(protocol.WireTextDelta, protocol.TextDeltaPayload{SessionID: id, Text: ev.Text})

		case stream.KindToolStarted:
			b.flushText(ctx, id, pump)
			_, _ = b.manager.AppendTimeline(ctx, id, protocol.TimelineEntry{
				Kind: protocol.EntryToolCall, Ts: time.Now().UTC(),
				Tool: ev.Tool, ToolID: ev.ToolID, Params: ev.Params,
			})
			b.emit(protocol.WireToolStarted, protocol.ToolStartedPayload{SessionID: id, Tool: ev.Tool, ToolID: ev.ToolID})

		case stream.KindToolResult:
			_, _ = b.manager.ResolveTool(ctx, id, ev.ToolID, ev.OK)
			b.emit(protocol.WireToolCompleted, protocol.ToolCompletedPayload{SessionID: id, ToolID: ev.ToolID, Ok: ev.OK})

		case stream.KindFinalResult:
			b.flushText(ctx, id, pump)
			_, _ = b.manager.AppendTimeline(ctx, id, protocol.TimelineEntry{
				Kind: protocol.EntryDone, Ts: time.Now().UTC(), Text: ev.Text,
			})
			if rec, err := b.manager.Transition(ctx, id, EvResultReceived); err == nil {
				b.emit(protocol.WireSessionCompleted, protocol.SessionCompletedPayload{SessionID: id, Result: ev.Text})
				b.emit(protocol.WireSessionState, protocol.SessionStatePayload{SessionID: id, Status: rec.Status})
			}

		case stream.KindError:
			b.flushText(ctx, id, pump)
			_, _ = b.manager.AppendTimeline(ctx, id, protocol.TimelineEntry{
				Kind: protocol.EntryError, Ts: time.Now().UTC(), Text: ev.Text, Code: protocol.CodeProcessCrashed,
			})
			if rec, err := b.manager.Transition(ctx, id, EvError); err == nil {
				b.emit(protocol.WireError, protocol.ErrorPayload{
					SessionID: id, Code: protocol.CodeProcessCrashed, Message: ev.Text,
				})
				b.emit(protocol.WireSessionState, protocol.SessionStatePayload{SessionID: id, Status: rec.Status})
			}

		case stream.KindToolParams, stream.KindThinkingStarted:
			// Streaming-mode noise for our purposes: tool_started already
			// carries the initial input, and thinking has no wire surface.
		}
	}
}

// flushText folds the accumulated streamed text into one timeline message.
func (b *Bridge) flushText(ctx context.Context, id string, pump *pumpState) {
	if pump.textBuf == "" {
		return
	}
	_, _ = b.manager.AppendTimeline(ctx, id, protocol.TimelineEntry{
		Kind: protocol.EntryMessage, Ts: time.Now().UTC(), Text: pump.textBuf,
	})
	pump.textBuf = ""
}

// finish settles the session after process exit. Whatever happened on the
// stream, the record must be terminal when Open returns.
func (b *Bridge) finish(ctx context.Context, id string, pump *pumpState) error {
	b.flushText(ctx, id, pump)

	rec, err := b.manager.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil // result, error, or user stop already settled it
	}

	exit := pump.exit
	switch {
	case exit != nil && exit.TimedOut:
		_, _ = b.manager.AppendTimeline(ctx, id, protocol.TimelineEntry{
			Kind: protocol.EntryError, Ts: time.Now().UTC(),
			Text: "session timed out", Code: protocol.CodeTimeout,
		})
		rec, err = b.manager.Transition(ctx, id, EvError)
		if err != nil {
			return err
		}
		b.emit(protocol.WireError, protocol.ErrorPayload{SessionID: id, Code: protocol.CodeTimeout, Message: "session timed out"})

	case exit != nil && exit.Cancelled, b.manager.CancelRequested(id):
		// A cancel that raced the USER_STOP transition; settle it now.
		rec, err = b.manager.Transition(ctx, id, EvUserStop)
		if err != nil {
			return err
		}

	default:
		// Process gone without a result: crashed or killed from outside.
		msg := fmt.Sprintf("process exited before completing (code %d)", exitCode(exit))
		if len(pump.stderrTail) > 0 {
			msg += ": " + string(pump.stderrTail)
		}
		_, _ = b.manager.AppendTimeline(ctx, id, protocol.TimelineEntry{
			Kind: protocol.EntryError, Ts: time.Now().UTC(),
			Text: msg, Code: protocol.CodeProcessCrashed,
		})
		rec, err = b.manager.Transition(ctx, id, EvProcessLost)
		if err != nil {
			return err
		}
		b.emit(protocol.WireError, protocol.ErrorPayload{SessionID: id, Code: protocol.CodeProcessCrashed, Message: msg})
	}

	b.emit(protocol.WireSessionState, protocol.SessionStatePayload{SessionID: id, Status: rec.Status})
	return nil
}

// failSpawn settles a session whose subprocess never started.
func (b *Bridge) failSpawn(ctx context.Context, id string, spawnErr error) error {
	code := protocol.CodeProcessCrashed
	var spawn *protocol.SpawnError
	if errors.As(spawnErr, &spawn) {
		code = spawn.Code()
	}

	_, _ = b.manager.AppendTimeline(ctx, id, protocol.TimelineEntry{
		Kind: protocol.EntryError, Ts: time.Now().UTC(), Text: spawnErr.Error(), Code: code,
	})
	rec, err := b.manager.Transition(ctx, id, EvError)
	if err != nil {
		return err
	}
	b.emit(protocol.WireError, protocol.ErrorPayload{SessionID: id, Code: code, Message: spawnErr.Error()})
	b.emit(protocol.WireSessionState, protocol.SessionStatePayload{SessionID: id, Status: rec.Status})
	return spawnErr
}

func (b *Bridge) emit(t protocol.WireType, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return
	}
	b.sink.Emit(env)
}

// maxStderrTail bounds the diagnostic stderr kept for crash messages.
const maxStderrTail = 2048

func appendTail(tail, chunk []byte) []byte {
	tail = append(tail, chunk...)
	if len(tail) > maxStderrTail {
		tail = tail[len(tail)-maxStderrTail:]
	}
	return tail
}

func exitCode(exit *runner.ExitResult) int {
	if exit == nil {
		return -1
	}
	return exit.Code
}
