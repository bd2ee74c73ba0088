// Package stream normalizes the agent CLI's stream-json output into a
// closed event vocabulary. The CLI emits one JSON object per stdout line;
// the shapes vary by provider version, so everything downstream of this
// package sees only the canonical Event type.
package stream

import (
	"encoding/json"
	"strings"

	"dray/pkg/protocol"
)

// Kind identifies a canonical stream event.
type Kind string

// The closed event vocabulary. Parse never returns anything outside it.
const (
	KindTextDelta       Kind = "text_delta"
	KindToolStarted     Kind = "tool_started"
	KindToolParams      Kind = "tool_params"
	KindToolResult      Kind = "tool_result"
	KindThinkingStarted Kind = "thinking_started"
	KindFinalResult     Kind = "final_result"
	KindError           Kind = "error"
)

// Event is one canonical stream event.
type Event struct {
	Kind   Kind
	Text   string // text_delta, final_result, error
	Tool   string // tool_started
	ToolID string // tool_started, tool_params, tool_result
	Params string // tool_started initial input, tool_params partial JSON
	OK     bool   // tool_result
}

// --- Wire shapes (claude CLI stream-json) ---

type rawLine struct {
	Type         string        `json:"type"`
	Subtype      string        `json:"subtype"`
	Delta        *blockDelta   `json:"delta"`
	ContentBlock *contentBlock `json:"content_block"`
	Message      *wireMessage  `json:"message"`
	Result       string        `json:"result"`
	IsError      bool          `json:"is_error"`
	Error        *wireError    `json:"error"`
}

type blockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type wireError struct {
	Message string `json:"message"`
}

// Line shapes that are valid protocol but carry nothing we surface:
// stream framing, the init banner, and block/message terminators.
var ignoredTypes = map[string]bool{
	"system":             true,
	"message_start":      true,
	"message_delta":      true,
	"message_stop":       true,
	"content_block_stop": true,
}

// Normalizer parses raw subprocess lines. The zero value is the lenient
// parser used by display surfaces: malformed or unrecognized lines are
// dropped. With Strict set, the bridge's policy, they return
// *protocol.MalformedEventError instead of vanishing.
type Normalizer struct {
	Strict bool
}

// Parse normalizes one stdout line. It returns zero or more canonical
// events (a single assistant message line can carry several content
// blocks). A nil slice with nil error means the line was valid but has
// nothing to surface, or was dropped under the lenient policy.
func (n *Normalizer) Parse(line string) ([]Event, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, nil
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, n.reject(trimmed, "not valid JSON")
	}
	if raw.Type == "" {
		return nil, n.reject(trimmed, "missing type field")
	}

	switch raw.Type {
	case "content_block_delta":
		return n.parseDelta(trimmed, raw.Delta)

	case "content_block_start":
		return n.parseBlockStart(trimmed, raw.ContentBlock)

	case "assistant":
		return n.parseAssistant(trimmed, raw.Message)

	case "user":
		return parseToolResults(raw.Message), nil

	case "result":
		if raw.IsError {
			return []Event{{Kind: KindError, Text: raw.Result}}, nil
		}
		return []Event{{Kind: KindFinalResult, Text: raw.Result}}, nil

	case "error":
		msg := ""
		if raw.Error != nil {
			msg = raw.Error.Message
		}
		return []Event{{Kind: KindError, Text: msg}}, nil

	default:
		if ignoredTypes[raw.Type] {
			return nil, nil
		}
		return nil, n.reject(trimmed, "unrecognized event type "+raw.Type)
	}
}

func (n *Normalizer) parseDelta(line string, delta *blockDelta) ([]Event, error) {
	if delta == nil {
		return nil, n.reject(line, "content_block_delta without delta")
	}
	switch delta.Type {
	case "text_delta":
		if delta.Text == "" {
			return nil, nil
		}
		return []Event{{Kind: KindTextDelta, Text: delta.Text}}, nil
	case "input_json_delta":
		return []Event{{Kind: KindToolParams, Params: delta.PartialJSON}}, nil
	case "thinking_delta", "signature_delta":
		return nil, nil
	default:
		return nil, n.reject(line, "unrecognized delta type "+delta.Type)
	}
}

func (n *Normalizer) parseBlockStart(line string, block *contentBlock) ([]Event, error) {
	if block == nil {
		return nil, n.reject(line, "content_block_start without content_block")
	}
	switch block.Type {
	case "tool_use":
		return []Event{{
			Kind:   KindToolStarted,
			Tool:   block.Name,
			ToolID: block.ID,
			Params: string(block.Input),
		}}, nil
	case "thinking":
		return []Event{{Kind: KindThinkingStarted}}, nil
	case "text":
		if block.Text == "" {
			return nil, nil
		}
		return []Event{{Kind: KindTextDelta, Text: block.Text}}, nil
	default:
		return nil, n.reject(line, "unrecognized content block type "+block.Type)
	}
}

// parseAssistant handles the non-streaming message shape: one line carries
// the full assistant turn with interleaved text and tool_use blocks.
func (n *Normalizer) parseAssistant(line string, msg *wireMessage) ([]Event, error) {
	if msg == nil {
		return nil, n.reject(line, "assistant event without message")
	}
	var out []Event
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out = append(out, Event{Kind: KindTextDelta, Text: block.Text})
			}
		case "tool_use":
			out = append(out, Event{
				Kind:   KindToolStarted,
				Tool:   block.Name,
				ToolID: block.ID,
				Params: string(block.Input),
			})
		case "thinking":
			out = append(out, Event{Kind: KindThinkingStarted})
		}
	}
	return out, nil
}

func parseToolResults(msg *wireMessage) []Event {
	if msg == nil {
		return nil
	}
	var out []Event
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		out = append(out, Event{
			Kind:   KindToolResult,
			ToolID: block.ToolUseID,
			OK:     !block.IsError,
		})
	}
	return out
}

// reject applies the tolerance policy: strict mode surfaces the line as a
// typed error, lenient mode drops it.
func (n *Normalizer) reject(line, reason string) error {
	if !n.Strict {
		return nil
	}
	return &protocol.MalformedEventError{Line: line, Reason: reason}
}
