package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_RoundTrip(t *testing.T) {
	commands := []Command{
		NewRequest(ModeChat, "hello", "req-1"),
		NewRequest(ModePlan, "multi\nline\nprompt", "req-2"),
		NewRequest(ModeResearch, `quotes "and" \ backslashes`, "req-3"),
		NewRequest(ModeChat, "", "req-4"),
		Abort(),
		Heartbeat(),
		SetMode(ModeResearch),
	}

	for _, cmd := range commands {
		t.Run(string(cmd.Type), func(t *testing.T) {
			line, err := Encode(cmd)
			require.NoError(t, err)
			require.True(t, bytes.HasSuffix(line, []byte("\n")))
			assert.Equal(t, 1, bytes.Count(line, []byte("\n")), "only the terminator may be a newline")

			decoded, err := DecodeCommand(line)
			require.NoError(t, err)
			assert.Equal(t, cmd, decoded)
		})
	}
}

func TestEncode_WireShape(t *testing.T) {
	line, err := Encode(NewRequest(ModeResearch, "go generics", "r1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"research","content":"go generics","requestId":"r1"}`, string(line))

	line, err = Encode(Abort())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"abort"}`, string(line))
}

func TestEncode_RejectsInvalidCommands(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"request without id", NewRequest(ModeChat, "hi", "")},
		{"unknown type", Command{Type: "explode"}},
		{"empty type", Command{}},
		{"set_mode without mode", Command{Type: CommandSetMode}},
		{"set_mode with bogus mode", SetMode("poetry")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.cmd)
			assert.Error(t, err)
		})
	}
}

func TestDecode_Ready(t *testing.T) {
	t.Run("bare ready without type", func(t *testing.T) {
		msg, err := Decode([]byte(`{"protocolVersion":"1.0","capabilities":["chat","plan","research"]}`))
		require.NoError(t, err)
		ready, ok := msg.(*Ready)
		require.True(t, ok, "expected *Ready, got %T", msg)
		assert.Equal(t, "1.0", ready.ProtocolVersion)
		assert.Equal(t, []Mode{ModeChat, ModePlan, ModeResearch}, ready.Capabilities)
		assert.True(t, ready.Supports(ModePlan))
	})

	t.Run("ready with type as the engine sends it", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"ready","protocolVersion":"1.0","capabilities":["chat"]}`))
		require.NoError(t, err)
		ready := msg.(*Ready)
		assert.False(t, ready.Supports(ModeResearch))
	})

	t.Run("encoder output decodes", func(t *testing.T) {
		line, err := EncodeReady(&Ready{ProtocolVersion: "2.1", Capabilities: []Mode{ModePlan}})
		require.NoError(t, err)
		msg, err := Decode(line)
		require.NoError(t, err)
		assert.Equal(t, &Ready{ProtocolVersion: "2.1", Capabilities: []Mode{ModePlan}}, msg)
	})

	t.Run("unknown capability is not a ready", func(t *testing.T) {
		_, err := Decode([]byte(`{"protocolVersion":"1.0","capabilities":["chat","sing"]}`))
		var de *DecodeError
		require.ErrorAs(t, err, &de)
	})

	t.Run("wrong type discriminator is not a ready", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"hello","protocolVersion":"1.0","capabilities":[]}`))
		var de *DecodeError
		require.ErrorAs(t, err, &de)
	})
}

func TestDecode_Envelope(t *testing.T) {
	line := []byte(`{"sessionId":"sess_default","requestId":"r1","seq":1,"timestamp":1700000000000,` +
		`"event":{"type":"content_delta","text":"Hello"}}`)

	msg, err := Decode(line)
	require.NoError(t, err)
	env, ok := msg.(*Envelope)
	require.True(t, ok)
	assert.Equal(t, "sess_default", env.SessionID)
	assert.Equal(t, "r1", env.RequestID)
	assert.Equal(t, int64(1), env.Seq)
	assert.Equal(t, int64(1700000000000), env.Timestamp)
	assert.Equal(t, ContentDelta{Text: "Hello"}, env.Event)
}

func TestDecode_EventVariants(t *testing.T) {
	tests := []struct {
		event string
		want  Event
	}{
		{`{"type":"content_delta","text":""}`, ContentDelta{}},
		{`{"type":"phase_status","phase":"researching","status":"working"}`, PhaseStatus{Phase: PhaseResearching, Status: StepWorking}},
		{`{"type":"progress","percent":42,"message":"Searching"}`, Progress{Percent: 42, Message: "Searching"}},
		{`{"type":"progress","percent":12.5}`, Progress{Percent: 12.5}},
		{`{"type":"tool_call","tool":"web_search","query":"golang"}`, ToolCall{Tool: "web_search", Query: "golang"}},
		{`{"type":"tool_result","tool":"web_search","success":true,"summary":"3 hits","artifactId":"a1"}`,
			ToolResult{Tool: "web_search", Success: true, Summary: "3 hits", ArtifactID: "a1"}},
		{`{"type":"tool_result","tool":"fetch","success":false,"summary":"","error":"timeout"}`,
			ToolResult{Tool: "fetch", Summary: "", Error: "timeout"}},
		{`{"type":"complete"}`, Complete{}},
		{`{"type":"aborted","partialSaved":true}`, Aborted{PartialSaved: true}},
		{`{"type":"error","message":"boom","recoverable":false}`, Error{Message: "boom"}},
		{`{"type":"error","message":"boom"}`, Error{Message: "boom"}},
		{`{"type":"heartbeat_ack"}`, HeartbeatAck{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.want.Type()), func(t *testing.T) {
			line := `{"sessionId":"s","requestId":"r","seq":3,"timestamp":5,"event":` + tt.event + `}`
			msg, err := Decode([]byte(line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.(*Envelope).Event)

			// Engine-side encoding must decode to the same event.
			encoded, err := EncodeEnvelope(msg.(*Envelope))
			require.NoError(t, err)
			again, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, msg, again)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `hello world`},
		{"truncated json", `{"sessionId":"s","requestId":`},
		{"json array", `[1,2,3]`},
		{"json string", `"ready"`},
		{"json null", `null`},
		{"empty object", `{}`},
		{"missing sessionId", `{"requestId":"r","seq":1,"timestamp":1,"event":{"type":"complete"}}`},
		{"missing requestId", `{"sessionId":"s","seq":1,"timestamp":1,"event":{"type":"complete"}}`},
		{"empty requestId", `{"sessionId":"s","requestId":"","seq":1,"timestamp":1,"event":{"type":"complete"}}`},
		{"missing seq", `{"sessionId":"s","requestId":"r","timestamp":1,"event":{"type":"complete"}}`},
		{"zero seq", `{"sessionId":"s","requestId":"r","seq":0,"timestamp":1,"event":{"type":"complete"}}`},
		{"negative seq", `{"sessionId":"s","requestId":"r","seq":-4,"timestamp":1,"event":{"type":"complete"}}`},
		{"fractional seq", `{"sessionId":"s","requestId":"r","seq":1.5,"timestamp":1,"event":{"type":"complete"}}`},
		{"string seq", `{"sessionId":"s","requestId":"r","seq":"1","timestamp":1,"event":{"type":"complete"}}`},
		{"missing timestamp", `{"sessionId":"s","requestId":"r","seq":1,"event":{"type":"complete"}}`},
		{"missing event", `{"sessionId":"s","requestId":"r","seq":1,"timestamp":1}`},
		{"null event", `{"sessionId":"s","requestId":"r","seq":1,"timestamp":1,"event":null}`},
		{"event without type", `{"sessionId":"s","requestId":"r","seq":1,"timestamp":1,"event":{"text":"x"}}`},
		{"unknown event", `{"sessionId":"s","requestId":"r","seq":1,"timestamp":1,"event":{"type":"telepathy"}}`},
		{"delta without text", `{"sessionId":"s","requestId":"r","seq":1,"timestamp":1,"event":{"type":"content_delta"}}`},
		{"bad phase", `{"sessionId":"s","requestId":"r","seq":1,"timestamp":1,"event":{"type":"phase_status","phase":"dreaming","status":"idle"}}`},
		{"bad phase status", `{"sessionId":"s","requestId":"r","seq":1,"timestamp":1,"event":{"type":"phase_status","phase":"planning","status":"sleeping"}}`},
		{"aborted without flag", `{"sessionId":"s","requestId":"r","seq":1,"timestamp":1,"event":{"type":"aborted"}}`},
		{"recoverable error", `{"sessionId":"s","requestId":"r","seq":1,"timestamp":1,"event":{"type":"error","message":"x","recoverable":true}}`},
		{"tool_result missing success", `{"sessionId":"s","requestId":"r","seq":1,"timestamp":1,"event":{"type":"tool_result","tool":"t","summary":"s"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			var err error
			require.NotPanics(t, func() { msg, err = Decode([]byte(tt.line)) })
			assert.Nil(t, msg)

			var de *DecodeError
			require.True(t, errors.As(err, &de), "expected *DecodeError, got %v", err)
			assert.Equal(t, tt.line, de.Line)
		})
	}
}

func TestIsBlank(t *testing.T) {
	assert.True(t, IsBlank(nil))
	assert.True(t, IsBlank([]byte("   \t\r\n")))
	assert.False(t, IsBlank([]byte(" {} ")))
}

func TestDecodeError_TruncatesLongLines(t *testing.T) {
	long := bytes.Repeat([]byte("x"), 1000)
	_, err := Decode(long)
	require.Error(t, err)
	assert.Less(t, len(err.Error()), 400)
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(Complete{}))
	assert.True(t, Terminal(Aborted{}))
	assert.True(t, Terminal(Error{Message: "x"}))
	assert.False(t, Terminal(ContentDelta{Text: "x"}))
	assert.False(t, Terminal(HeartbeatAck{}))
}
