package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeError reports a line that is not valid JSON or does not match any
// protocol shape. It is never fatal to the reader.
type DecodeError struct {
	Line string
	Err  error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed protocol line %q: %v", truncate(e.Line, 200), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsBlank reports whether line holds nothing but whitespace. Blank lines are
// skipped without a decode attempt.
func IsBlank(line []byte) bool {
	return len(bytes.TrimSpace(line)) == 0
}

// Validate checks that the command is well formed for its type.
func (c Command) Validate() error {
	switch {
	case c.IsRequest():
		if c.RequestID == "" {
			return fmt.Errorf("%s command requires a requestId", c.Type)
		}
	case c.Type == CommandAbort, c.Type == CommandHeartbeat:
	case c.Type == CommandSetMode:
		if !c.Mode.Valid() {
			return fmt.Errorf("set_mode command has invalid mode %q", c.Mode)
		}
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	return nil
}

// Encode serializes a command as one JSON object terminated by a newline.
func Encode(cmd Command) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, errors.New("encoded command contains a raw newline")
	}
	return append(data, '\n'), nil
}

// DecodeCommand parses one command line, as the engine would.
func DecodeCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(bytes.TrimSpace(line), &cmd); err != nil {
		return Command{}, &DecodeError{Line: string(line), Err: err}
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, &DecodeError{Line: string(line), Err: err}
	}
	return cmd, nil
}

// Decode parses one line from the engine into a *Ready or an *Envelope.
// Every failure is returned as a *DecodeError carrying the line.
func Decode(line []byte) (Message, error) {
	var obj object
	if err := json.Unmarshal(bytes.TrimSpace(line), &obj); err != nil {
		return nil, &DecodeError{Line: string(line), Err: fmt.Errorf("invalid JSON object: %w", err)}
	}
	if obj == nil {
		return nil, &DecodeError{Line: string(line), Err: errors.New("expected a JSON object, got null")}
	}

	if ready, ok := decodeReady(obj); ok {
		return ready, nil
	}

	env, err := decodeEnvelope(obj)
	if err != nil {
		return nil, &DecodeError{Line: string(line), Err: err}
	}
	return env, nil
}

// object is a JSON object whose members are decoded lazily.
type object map[string]json.RawMessage

// get decodes member key into dst. JSON null counts as absent.
func (o object) get(key string, dst any, required bool) error {
	raw, ok := o[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if required {
			return fmt.Errorf("missing required field %q", key)
		}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

func (o object) has(key string) bool {
	_, ok := o[key]
	return ok
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeReady(obj object) (*Ready, bool) {
	if obj.has("event") {
		return nil, false
	}
	if obj.has("type") {
		var typ string
		if obj.get("type", &typ, true) != nil || typ != "ready" {
			return nil, false
		}
	}
	ready := &Ready{}
	if obj.get("protocolVersion", &ready.ProtocolVersion, true) != nil {
		return nil, false
	}
	if obj.get("capabilities", &ready.Capabilities, true) != nil || ready.Capabilities == nil {
		return nil, false
	}
	for _, m := range ready.Capabilities {
		if !m.Valid() {
			return nil, false
		}
	}
	return ready, true
}

func decodeEnvelope(obj object) (*Envelope, error) {
	env := &Envelope{}
	var event object
	err := firstErr(
		obj.get("sessionId", &env.SessionID, true),
		obj.get("requestId", &env.RequestID, true),
		obj.get("seq", &env.Seq, true),
		obj.get("timestamp", &env.Timestamp, true),
		obj.get("event", &event, true),
	)
	if err != nil {
		return nil, err
	}
	if env.RequestID == "" {
		return nil, errors.New("empty requestId")
	}
	if env.Seq < 1 {
		return nil, fmt.Errorf("seq must be positive, got %d", env.Seq)
	}

	env.Event, err = decodeEvent(event)
	if err != nil {
		return nil, fmt.Errorf("event: %w", err)
	}
	return env, nil
}

func decodeEvent(obj object) (Event, error) {
	var typ EventType
	if err := obj.get("type", &typ, true); err != nil {
		return nil, err
	}

	switch typ {
	case EventContentDelta:
		var ev ContentDelta
		if err := obj.get("text", &ev.Text, true); err != nil {
			return nil, err
		}
		return ev, nil

	case EventPhaseStatus:
		var ev PhaseStatus
		if err := firstErr(obj.get("phase", &ev.Phase, true), obj.get("status", &ev.Status, true)); err != nil {
			return nil, err
		}
		if !ev.Phase.Valid() {
			return nil, fmt.Errorf("unknown phase %q", ev.Phase)
		}
		if !ev.Status.Valid() {
			return nil, fmt.Errorf("unknown phase status %q", ev.Status)
		}
		return ev, nil

	case EventProgress:
		var ev Progress
		if err := firstErr(obj.get("percent", &ev.Percent, true), obj.get("message", &ev.Message, false)); err != nil {
			return nil, err
		}
		return ev, nil

	case EventToolCall:
		var ev ToolCall
		if err := firstErr(obj.get("tool", &ev.Tool, true), obj.get("query", &ev.Query, true)); err != nil {
			return nil, err
		}
		return ev, nil

	case EventToolResult:
		var ev ToolResult
		err := firstErr(
			obj.get("tool", &ev.Tool, true),
			obj.get("success", &ev.Success, true),
			obj.get("summary", &ev.Summary, true),
			obj.get("artifactId", &ev.ArtifactID, false),
			obj.get("error", &ev.Error, false),
		)
		if err != nil {
			return nil, err
		}
		return ev, nil

	case EventComplete:
		return Complete{}, nil

	case EventAborted:
		var ev Aborted
		if err := obj.get("partialSaved", &ev.PartialSaved, true); err != nil {
			return nil, err
		}
		return ev, nil

	case EventError:
		var ev Error
		if err := firstErr(obj.get("message", &ev.Message, true), obj.get("recoverable", &ev.Recoverable, false)); err != nil {
			return nil, err
		}
		if ev.Recoverable {
			return nil, errors.New("error events are never recoverable")
		}
		return ev, nil

	case EventHeartbeatAck:
		return HeartbeatAck{}, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", typ)
	}
}

// EncodeReady serializes the handshake the way the engine sends it.
func EncodeReady(r *Ready) ([]byte, error) {
	wire := struct {
		Type            string `json:"type"`
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    []Mode `json:"capabilities"`
	}{"ready", r.ProtocolVersion, r.Capabilities}
	if wire.Capabilities == nil {
		wire.Capabilities = []Mode{}
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ready: %w", err)
	}
	return append(data, '\n'), nil
}

// EncodeEnvelope serializes an enveloped event the way the engine sends it.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	event, err := marshalEvent(env.Event)
	if err != nil {
		return nil, err
	}
	wire := struct {
		SessionID string          `json:"sessionId"`
		RequestID string          `json:"requestId"`
		Seq       int64           `json:"seq"`
		Timestamp int64           `json:"timestamp"`
		Event     json.RawMessage `json:"event"`
	}{env.SessionID, env.RequestID, env.Seq, env.Timestamp, event}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return append(data, '\n'), nil
}

// marshalEvent splices the "type" discriminator into the event body.
func marshalEvent(ev Event) (json.RawMessage, error) {
	if ev == nil {
		return nil, errors.New("envelope has no event")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Type(), err)
	}
	typ, _ := json.Marshal(ev.Type())

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
