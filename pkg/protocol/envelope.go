package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion tags every wire envelope for forward compatibility.
// Consumers must tolerate envelopes with a higher version than they know.
const ProtocolVersion = 1

// WireType identifies the payload shape of an Envelope.
type WireType string

// Wire event types consumed by UI layers.
const (
	WireSessionState     WireType = "SESSION_STATE"
	WireSessionList      WireType = "SESSION_LIST"
	WireError            WireType = "ERROR"
	WireTextDelta        WireType = "TEXT_DELTA"
	WireToolStarted      WireType = "TOOL_STARTED"
	WireToolCompleted    WireType = "TOOL_COMPLETED"
	WireSessionCompleted WireType = "SESSION_COMPLETED"
)

// Envelope is the versioned wire event emitted by the session bridge.
type Envelope struct {
	Protocol int             `json:"protocol"`
	Type     WireType        `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it in a versioned envelope.
func NewEnvelope(t WireType, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Protocol: ProtocolVersion, Type: t, Payload: data}, nil
}

// --- Payload shapes ---

// SessionStatePayload announces a session status change.
type SessionStatePayload struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
}

// SessionListPayload carries session summaries for list views.
type SessionListPayload struct {
	Sessions []SessionSummary `json:"sessions"`
}

// SessionSummary is the list-view projection of a Session.
type SessionSummary struct {
	ID      string          `json:"id"`
	Status  SessionStatus   `json:"status"`
	Prompt  string          `json:"prompt"`
	Model   string          `json:"model,omitempty"`
	Summary TimelineSummary `json:"summary"`
}

// ErrorPayload surfaces a session error with a machine-readable code.
type ErrorPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// TextDeltaPayload carries one chunk of streamed assistant text.
type TextDeltaPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// ToolStartedPayload announces a tool invocation.
type ToolStartedPayload struct {
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
	ToolID    string `json:"tool_id,omitempty"`
}

// ToolCompletedPayload reports a tool result.
type ToolCompletedPayload struct {
	SessionID string `json:"session_id"`
	Tool      string `json:"tool,omitempty"`
	ToolID    string `json:"tool_id,omitempty"`
	Ok        bool   `json:"ok"`
	Output    string `json:"output,omitempty"`
}

// SessionCompletedPayload reports the final result of a session.
type SessionCompletedPayload struct {
	SessionID string `json:"session_id"`
	Result    string `json:"result,omitempty"`
}
