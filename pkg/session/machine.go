// Package session manages agent subprocess sessions: an explicit state
// machine over session status, SQLite persistence of session records and
// their timelines, and the bridge that wires one live subprocess to one
// session's lifecycle. Process handles never survive a restart, so the
// persisted record is the source of truth and reconciliation interrupts
// whatever the previous run left non-terminal.
package session

import "dray/pkg/protocol"

// TransitionEvent names a trigger accepted by the session state machine.
type TransitionEvent string

// Transition events.
const (
	EvCLISpawned     TransitionEvent = "CLI_SPAWNED"
	EvFirstTextDelta TransitionEvent = "FIRST_TEXT_DELTA"
	EvResultReceived TransitionEvent = "RESULT_RECEIVED"
	EvUserStop       TransitionEvent = "USER_STOP"
	EvError          TransitionEvent = "ERROR"
	EvProcessLost    TransitionEvent = "PROCESS_LOST"
)

// transitions is the authority on session status. Terminal states have no
// row: nothing moves a session out of completed/canceled/failed/interrupted
// except Resume, which replaces the record rather than transitioning it.
var transitions = map[protocol.SessionStatus]map[TransitionEvent]protocol.SessionStatus{
	protocol.SessionStarting: {
		EvCLISpawned:  protocol.SessionRunning,
		EvUserStop:    protocol.SessionCanceled,
		EvError:       protocol.SessionFailed,
		EvProcessLost: protocol.SessionInterrupted,
	},
	protocol.SessionRunning: {
		EvFirstTextDelta: protocol.SessionStreaming,
		EvResultReceived: protocol.SessionCompleted,
		EvUserStop:       protocol.SessionCanceled,
		EvError:          protocol.SessionFailed,
		EvProcessLost:    protocol.SessionInterrupted,
	},
	protocol.SessionStreaming: {
		EvResultReceived: protocol.SessionCompleted,
		EvUserStop:       protocol.SessionCanceled,
		EvError:          protocol.SessionFailed,
		EvProcessLost:    protocol.SessionInterrupted,
	},
}

// Apply returns the status reached by firing ev from the given state.
// Unaccepted events, including every event against a terminal state,
// fail with *protocol.InvalidTransitionError and never mutate anything.
func Apply(sessionID string, from protocol.SessionStatus, ev TransitionEvent) (protocol.SessionStatus, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", &protocol.InvalidTransitionError{SessionID: sessionID, From: from, Event: string(ev)}
}

// ForceInterrupt is the reconciliation bypass: it moves any non-terminal
// state to interrupted without a live trigger event. Terminal states are
// returned unchanged so reconciliation stays idempotent.
func ForceInterrupt(from protocol.SessionStatus) protocol.SessionStatus {
	if from.Terminal() {
		return from
	}
	return protocol.SessionInterrupted
}
