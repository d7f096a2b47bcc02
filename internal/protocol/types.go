// Package protocol defines the line-delimited JSON protocol spoken between
// enginelink and the engine process, and the codec that maps lines to typed
// messages and back.
package protocol

// Mode selects which engine handler serves a request.
type Mode string

const (
	ModeChat     Mode = "chat"
	ModePlan     Mode = "plan"
	ModeResearch Mode = "research"
)

// Modes lists every mode in display order.
var Modes = []Mode{ModeChat, ModePlan, ModeResearch}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeChat, ModePlan, ModeResearch:
		return true
	}
	return false
}

// Phase is one of the engine's internal processing stages.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseResearching  Phase = "researching"
	PhaseSynthesizing Phase = "synthesizing"
)

func (p Phase) Valid() bool {
	switch p {
	case PhasePlanning, PhaseResearching, PhaseSynthesizing:
		return true
	}
	return false
}

// StepStatus is the status reported alongside a phase.
type StepStatus string

const (
	StepIdle     StepStatus = "idle"
	StepWorking  StepStatus = "working"
	StepComplete StepStatus = "complete"
	StepError    StepStatus = "error"
)

func (s StepStatus) Valid() bool {
	switch s {
	case StepIdle, StepWorking, StepComplete, StepError:
		return true
	}
	return false
}

// CommandType is the discriminator of a Command on the wire.
type CommandType string

const (
	CommandChat      CommandType = "chat"
	CommandPlan      CommandType = "plan"
	CommandResearch  CommandType = "research"
	CommandAbort     CommandType = "abort"
	CommandHeartbeat CommandType = "heartbeat"
	CommandSetMode   CommandType = "set_mode"
)

// Command is a message from the UI to the engine.
type Command struct {
	Type      CommandType `json:"type"`
	Content   string      `json:"content,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Mode      Mode        `json:"mode,omitempty"`
}

// NewRequest builds the command that starts a request in the given mode.
func NewRequest(mode Mode, content, requestID string) Command {
	return Command{Type: CommandType(mode), Content: content, RequestID: requestID}
}

// Abort builds the cancellation command for the streaming request.
func Abort() Command { return Command{Type: CommandAbort} }

// Heartbeat builds a liveness probe.
func Heartbeat() Command { return Command{Type: CommandHeartbeat} }

// SetMode builds a mode change notification.
func SetMode(mode Mode) Command { return Command{Type: CommandSetMode, Mode: mode} }

// IsRequest reports whether the command starts a new request.
func (c Command) IsRequest() bool {
	return Mode(c.Type).Valid()
}

// RequestMode returns the mode of a request command.
func (c Command) RequestMode() (Mode, bool) {
	m := Mode(c.Type)
	return m, m.Valid()
}

// Message is anything the engine writes to its output stream:
// a *Ready or an *Envelope.
type Message interface {
	isMessage()
}

// Ready is the unwrapped handshake the engine sends exactly once.
type Ready struct {
	ProtocolVersion string `json:"protocolVersion"`
	Capabilities    []Mode `json:"capabilities"`
}

// Supports reports whether the engine announced mode.
func (r *Ready) Supports(mode Mode) bool {
	for _, c := range r.Capabilities {
		if c == mode {
			return true
		}
	}
	return false
}

// Envelope wraps every engine event except Ready.
type Envelope struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Event     Event  `json:"-"`
}

func (*Ready) isMessage()    {}
func (*Envelope) isMessage() {}

// EventType is the discriminator of an Event on the wire.
type EventType string

const (
	EventContentDelta EventType = "content_delta"
	EventPhaseStatus  EventType = "phase_status"
	EventProgress     EventType = "progress"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventComplete     EventType = "complete"
	EventAborted      EventType = "aborted"
	EventError        EventType = "error"
	EventHeartbeatAck EventType = "heartbeat_ack"
)

// Event is the closed set of enveloped engine events. New kinds are added by
// extending this set and the dispatcher's rule table.
type Event interface {
	Type() EventType
	isEvent()
}

type ContentDelta struct {
	Text string `json:"text"`
}

type PhaseStatus struct {
	Phase  Phase      `json:"phase"`
	Status StepStatus `json:"status"`
}

type Progress struct {
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

type ToolCall struct {
	Tool  string `json:"tool"`
	Query string `json:"query"`
}

type ToolResult struct {
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	Summary    string `json:"summary"`
	ArtifactID string `json:"artifactId,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Complete struct{}

type Aborted struct {
	PartialSaved bool `json:"partialSaved"`
}

// Error terminates the current request. The protocol has no recoverable
// variant, so Recoverable is always false.
type Error struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type HeartbeatAck struct{}

func (ContentDelta) Type() EventType { return EventContentDelta }
func (PhaseStatus) Type() EventType  { return EventPhaseStatus }
func (Progress) Type() EventType     { return EventProgress }
func (ToolCall) Type() EventType     { return EventToolCall }
func (ToolResult) Type() EventType   { return EventToolResult }
func (Complete) Type() EventType     { return EventComplete }
func (Aborted) Type() EventType      { return EventAborted }
func (Error) Type() EventType        { return EventError }
func (HeartbeatAck) Type() EventType { return EventHeartbeatAck }

func (ContentDelta) isEvent() {}
func (PhaseStatus) isEvent()  {}
func (Progress) isEvent()     {}
func (ToolCall) isEvent()     {}
func (ToolResult) isEvent()   {}
func (Complete) isEvent()     {}
func (Aborted) isEvent()      {}
func (Error) isEvent()        {}
func (HeartbeatAck) isEvent() {}

// Terminal reports whether ev ends the request it belongs to.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case Complete, Aborted, Error:
		return true
	}
	return false
}
