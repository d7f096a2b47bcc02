// Package dispatch applies validated engine events, in order, to the
// UI-local session state: the message list, the active-step text and the
// request status.
package dispatch

import (
	"time"

	"enginelink/internal/protocol"
	"enginelink/internal/session"
)

// MessageKind classifies a message in the transcript.
type MessageKind string

const (
	KindUser   MessageKind = "user"
	KindAnswer MessageKind = "answer"
	KindLog    MessageKind = "log"
	KindTool   MessageKind = "tool"
)

// Metadata carries optional context for a message.
type Metadata struct {
	Phase     string   `json:"phase,omitempty"`
	Tool      string   `json:"tool,omitempty"`
	Citations []string `json:"citations,omitempty"`
}

// Message is one entry of the transcript.
type Message struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Metadata  *Metadata   `json:"metadata,omitempty"`
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Metadata != nil {
		md := *m.Metadata
		md.Citations = append([]string(nil), m.Metadata.Citations...)
		m.Metadata = &md
	}
	return m
}

// EngineState describes the engine process as seen by the session. A failed
// start is distinct from an error inside a request.
type EngineState string

const (
	EngineStarting EngineState = "starting"
	EngineReady    EngineState = "ready"
	EngineFailed   EngineState = "failed"
	EngineExited   EngineState = "exited"
)

// Session is a point-in-time copy of the UI-local session state.
type Session struct {
	Mode          protocol.Mode
	RequestStatus session.Status
	RequestID     string
	ActiveStep    string
	Engine        EngineState
	Capabilities  []protocol.Mode
	Messages      []Message
}

// Answer returns the content of the last answer message, if any.
func (s Session) Answer() (string, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Kind == KindAnswer {
			return s.Messages[i].Content, true
		}
	}
	return "", false
}
