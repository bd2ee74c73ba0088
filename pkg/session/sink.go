package session

import (
	"encoding/json"
	"io"
	"sync"

	"dray/pkg/protocol"
)

// Sink consumes the wire envelopes emitted by the bridge. Implementations
// must tolerate being called from the bridge's pump goroutine.
type Sink interface {
	Emit(env protocol.Envelope)
}

// WriterSink writes envelopes as NDJSON, one per line. `dray run` points
// it at stdout so UI layers can consume the session over a pipe.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriterSink wraps w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

// Emit writes one envelope line. Write errors are discarded; the wire
// surface is observational and must never fail the session.
func (s *WriterSink) Emit(env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(env)
}

// NopSink discards all envelopes.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(protocol.Envelope) {}
