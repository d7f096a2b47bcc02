// Package enginetest provides a scripted engine for tests. The engine runs
// inside the test binary itself: a test package calls MaybeRun from its
// TestMain, and Command returns the invocation that re-executes the binary in
// engine mode.
package enginetest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"enginelink/internal/protocol"
)

// EnvScenario selects the scenario when the test binary runs as an engine.
const EnvScenario = "ENGINELINK_FAKE_ENGINE"

// SessionID is the engine session id every scenario reports.
const SessionID = "sess_fake"

// Scenario names a scripted engine behavior.
type Scenario string

const (
	// Echo is a well-behaved engine. Request content drives it:
	//   "fail"       emits an error event
	//   "tools"      emits a tool call and result, then an answer
	//   "slow ..."   streams one word every 50ms and honors abort
	//   otherwise    streams the content back word by word
	Echo Scenario = "echo"
	// Crash exits with status 3 in the middle of the first request.
	Crash Scenario = "crash"
	// Split writes lines in small chunks and leaves an unterminated
	// fragment before exiting.
	Split Scenario = "split"
	// IgnoreTerm sends ready and then ignores SIGTERM and stdin EOF.
	IgnoreTerm Scenario = "ignore-term"
	// Garbage interleaves undecodable lines with a valid handshake, then
	// exits once stdin closes.
	Garbage Scenario = "garbage"
	// Silent never sends ready.
	Silent Scenario = "silent"
	// Orphan exits with status 3 in the middle of the first request after
	// starting a child that keeps stdout open for a few seconds.
	Orphan Scenario = "orphan"
	// Stubborn streams one delta per request and then ignores abort until
	// stdin closes.
	Stubborn Scenario = "stubborn"

	// linger is the orphaned child: it holds the inherited stdout and sleeps.
	linger Scenario = "linger"
)

// lingerFor is how long an Orphan's child keeps stdout open.
const lingerFor = 4 * time.Second

// Capabilities advertised by every scenario.
var Capabilities = []protocol.Mode{protocol.ModeChat, protocol.ModePlan, protocol.ModeResearch}

// Invocation is how to start the fake engine.
type Invocation struct {
	Command string
	Args    []string
	Env     []string
}

// Command returns the invocation for scenario s.
func Command(s Scenario) Invocation {
	return Invocation{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     []string{EnvScenario + "=" + string(s)},
	}
}

// MaybeRun turns the process into the fake engine when EnvScenario is set.
// It never returns in that case.
func MaybeRun() {
	s := os.Getenv(EnvScenario)
	if s == "" {
		return
	}
	e := &engine{out: os.Stdout}
	os.Exit(e.run(Scenario(s), os.Stdin))
}

type engine struct {
	mu  sync.Mutex
	out io.Writer

	requestID string
	seq       int64
	cancel    chan struct{}
	busy      sync.WaitGroup
	closed    chan struct{} // closed when stdin reaches EOF
}

func (e *engine) run(s Scenario, in io.Reader) int {
	switch s {
	case Echo:
		fmt.Fprintln(os.Stderr, "fake engine starting")
		e.ready()
		return e.serve(in, e.echo)
	case Crash:
		e.ready()
		return e.serve(in, func(cmd protocol.Command) {
			e.emit(protocol.ContentDelta{Text: "partial"})
			os.Exit(3)
		})
	case Split:
		e.split()
		return 0
	case IgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
		e.ready()
		_, _ = io.Copy(io.Discard, in)
		time.Sleep(time.Hour)
		return 0
	case Garbage:
		e.writeRaw("not json at all\n")
		e.writeRaw("{}\n")
		e.writeRaw("   \n")
		e.writeRaw(`{"sessionId":"s","requestId":"r","seq":1,"timestamp":1,"event":{"type":"mystery"}}` + "\n")
		e.ready()
		_, _ = io.Copy(io.Discard, in)
		return 0
	case Silent:
		_, _ = io.Copy(io.Discard, in)
		return 0
	case Orphan:
		e.ready()
		return e.serve(in, func(cmd protocol.Command) {
			e.emit(protocol.ContentDelta{Text: "partial"})
			child := exec.Command(os.Args[0], "-test.run=^$")
			child.Env = append(os.Environ(), EnvScenario+"="+string(linger))
			child.Stdout = os.Stdout
			if err := child.Start(); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			os.Exit(3)
		})
	case linger:
		time.Sleep(lingerFor)
		return 0
	case Stubborn:
		e.ready()
		return e.serve(in, func(cmd protocol.Command) {
			e.emit(protocol.ContentDelta{Text: "working"})
			<-e.closed
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", s)
		return 2
	}
}

// serve reads commands until stdin closes, handing requests to handle on
// their own goroutine.
func (e *engine) serve(in io.Reader, handle func(protocol.Command)) int {
	e.closed = make(chan struct{})
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if protocol.IsBlank(sc.Bytes()) {
			continue
		}
		cmd, err := protocol.DecodeCommand(sc.Bytes())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}

		switch {
		case cmd.IsRequest():
			e.begin(cmd.RequestID)
			e.busy.Add(1)
			go func() {
				defer e.busy.Done()
				handle(cmd)
			}()
		case cmd.Type == protocol.CommandAbort:
			e.abort()
		case cmd.Type == protocol.CommandHeartbeat:
			e.heartbeat()
		}
	}
	close(e.closed)
	e.busy.Wait()
	return 0
}

func (e *engine) echo(cmd protocol.Command) {
	switch {
	case cmd.Content == "fail":
		e.emit(protocol.PhaseStatus{Phase: protocol.PhasePlanning, Status: protocol.StepWorking})
		e.finish(protocol.Error{Message: "engine failure"})
	case cmd.Content == "tools":
		e.emit(protocol.ToolCall{Tool: "search", Query: "golang"})
		e.emit(protocol.ToolResult{Tool: "search", Success: true, Summary: "3 results", ArtifactID: "a1"})
		e.emit(protocol.ContentDelta{Text: "found it"})
		e.finish(protocol.Complete{})
	case strings.HasPrefix(cmd.Content, "slow "):
		sent := false
		for _, w := range strings.Fields(strings.TrimPrefix(cmd.Content, "slow ")) {
			select {
			case <-e.cancelled():
				e.finish(protocol.Aborted{PartialSaved: sent})
				return
			case <-time.After(50 * time.Millisecond):
			}
			e.emit(protocol.ContentDelta{Text: w + " "})
			sent = true
		}
		e.finish(protocol.Complete{})
	default:
		e.emit(protocol.Progress{Percent: 50, Message: "thinking"})
		for i, w := range strings.Fields(cmd.Content) {
			if i > 0 {
				w = " " + w
			}
			e.emit(protocol.ContentDelta{Text: w})
		}
		e.finish(protocol.Complete{})
	}
}

func (e *engine) split() {
	ready, _ := protocol.EncodeReady(&protocol.Ready{ProtocolVersion: "1.0", Capabilities: Capabilities})
	env, _ := protocol.EncodeEnvelope(&protocol.Envelope{
		SessionID: SessionID, RequestID: "req_split", Seq: 1, Timestamp: 1,
		Event: protocol.ContentDelta{Text: "joined"},
	})
	stream := string(ready) + string(env) + `{"type":"ready","protoc`
	for len(stream) > 0 {
		n := min(7, len(stream))
		e.writeRaw(stream[:n])
		stream = stream[n:]
		time.Sleep(2 * time.Millisecond)
	}
}

func (e *engine) ready() {
	line, _ := protocol.EncodeReady(&protocol.Ready{ProtocolVersion: "1.0", Capabilities: Capabilities})
	e.write(line)
}

func (e *engine) begin(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requestID = requestID
	e.seq = 0
	e.cancel = make(chan struct{})
}

// heartbeat acknowledges only inside a request, like an engine whose
// emitter needs an active request id.
func (e *engine) heartbeat() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.requestID != "" {
		e.emitLocked(protocol.HeartbeatAck{})
	}
}

func (e *engine) abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.requestID != "" && e.cancel != nil {
		close(e.cancel)
		e.cancel = nil
	}
}

func (e *engine) cancelled() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return e.cancel
}

func (e *engine) emit(ev protocol.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitLocked(ev)
}

func (e *engine) emitLocked(ev protocol.Event) {
	e.seq++
	line, err := protocol.EncodeEnvelope(&protocol.Envelope{
		SessionID: SessionID,
		RequestID: e.requestID,
		Seq:       e.seq,
		Timestamp: time.Now().UnixMilli(),
		Event:     ev,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	_, _ = e.out.Write(line)
}

func (e *engine) finish(ev protocol.Event) {
	e.emit(ev)
	e.mu.Lock()
	e.requestID = ""
	e.cancel = nil
	e.mu.Unlock()
}

func (e *engine) write(line []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.out.Write(line)
}

func (e *engine) writeRaw(s string) {
	e.write([]byte(s))
}
