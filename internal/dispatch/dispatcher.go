package dispatch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"enginelink/internal/protocol"
	"enginelink/internal/session"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Active-step texts.
const (
	StepStarting   = "Starting engine..."
	StepReady      = "Ready"
	StepWaiting    = "Waiting for engine..."
	StepGenerating = "Generating response..."
	StepComplete   = "Complete"
	StepAborting   = "Aborting..."
	StepAborted    = "Aborted"
	StepStopped    = "Engine stopped"
)

// Options configures a Dispatcher.
type Options struct {
	Store  Store            // defaults to a MemoryStore
	Logger *zap.Logger      // defaults to a no-op logger
	Mode   protocol.Mode    // initial mode, defaults to chat
	Now    func() time.Time // clock for user and synthetic messages
	NewID  func() string    // message id generator
}

// Dispatcher owns the session state. Every mutation, whether it comes from an
// engine event or from the UI, goes through its mutex.
type Dispatcher struct {
	mu sync.Mutex

	machine *session.Machine
	store   Store
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string

	mode          protocol.Mode
	activeStep    string
	engine        EngineState
	ready         *protocol.Ready
	engineSession string

	// per-request state, reset on submit
	lastSeq      int64
	phase        protocol.Phase
	draft        *Message
	pendingTools map[string][]string

	// committed mirrors the store between writes so snapshots taken while
	// an answer streams do not re-read it.
	committed      []Message
	committedValid bool

	lastHeartbeat time.Time
	anomalies     map[StaleReason]uint64
}

// New creates a dispatcher with an idle session.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		machine:      session.NewMachine(),
		store:        opts.Store,
		logger:       opts.Logger,
		now:          opts.Now,
		newID:        opts.NewID,
		mode:         opts.Mode,
		activeStep:   StepStarting,
		engine:       EngineStarting,
		pendingTools: make(map[string][]string),
		anomalies:    make(map[StaleReason]uint64),
	}
	if d.store == nil {
		d.store = NewMemoryStore()
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	if !d.mode.Valid() {
		d.mode = protocol.ModeChat
	}
	return d
}

// MarkReady records the engine handshake.
func (d *Dispatcher) MarkReady(ready *protocol.Ready) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ready = ready
	d.engine = EngineReady
	d.engineSession = ""
	d.activeStep = StepReady
	d.logger.Info("Engine ready",
		zap.String("protocol_version", ready.ProtocolVersion),
		zap.Any("capabilities", ready.Capabilities))
}

// StartupFailed records that the engine could not be started.
func (d *Dispatcher) StartupFailed(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.engine = EngineFailed
	d.activeStep = fmt.Sprintf("Engine failed to start: %v", err)
}

// Submit reserves a new request, records the user's message and returns the
// command to send. It fails while another request is in flight.
func (d *Dispatcher) Submit(mode protocol.Mode, content, requestID string) (protocol.Command, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engine != EngineReady {
		return protocol.Command{}, ErrEngineUnavailable
	}
	if !mode.Valid() || !d.ready.Supports(mode) {
		return protocol.Command{}, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
	if err := d.machine.Submit(requestID); err != nil {
		return protocol.Command{}, err
	}

	d.mode = mode
	d.resetRequest()
	d.append(Message{ID: d.newID(), Kind: KindUser, Content: content, Timestamp: d.now()})
	d.activeStep = StepWaiting
	return protocol.NewRequest(mode, content, requestID), nil
}

// Abandon releases a reserved request whose command could not be sent.
func (d *Dispatcher) Abandon(requestID string, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.machine.Abandon(requestID); err != nil {
		return
	}
	d.resetRequest()
	d.appendLog(fmt.Sprintf("Failed to send request: %v", cause), d.now())
	d.activeStep = StepReady
}

// RequestAbort notes a user abort. The status itself changes only when the
// engine confirms with an aborted event.
func (d *Dispatcher) RequestAbort() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.machine.Streaming() {
		return session.ErrNotStreaming
	}
	d.activeStep = StepAborting
	return nil
}

// Apply applies one envelope. Events that do not belong to the in-flight
// request or break seq order are discarded and reported as *StaleEventError.
func (d *Dispatcher) Apply(env *protocol.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.admit(env); err != nil {
		d.recordAnomaly(err)
		if err.Reason == ReasonSeqGap {
			d.failRequest(fmt.Sprintf("Lost engine events: expected seq %d, got %d", err.Expected, err.Seq))
		}
		return err
	}

	d.apply(env)
	return nil
}

func (d *Dispatcher) admit(env *protocol.Envelope) *StaleEventError {
	stale := &StaleEventError{Event: env.Event.Type(), RequestID: env.RequestID, Seq: env.Seq, Expected: d.lastSeq + 1}

	switch {
	case d.engine != EngineReady:
		stale.Reason = ReasonNotReady
	case !d.machine.Tracks(env.RequestID):
		stale.Reason = ReasonRequestMismatch
	case d.engineSession != "" && env.SessionID != d.engineSession:
		stale.Reason = ReasonSessionMismatch
	case env.Seq <= d.lastSeq:
		stale.Reason = ReasonSeqRegression
	case env.Seq > d.lastSeq+1:
		stale.Reason = ReasonSeqGap
	default:
		if d.engineSession == "" {
			d.engineSession = env.SessionID
		}
		d.lastSeq = env.Seq
		return nil
	}
	return stale
}

func (d *Dispatcher) recordAnomaly(err *StaleEventError) {
	d.anomalies[err.Reason]++
	fields := []zap.Field{
		zap.String("reason", string(err.Reason)),
		zap.String("event", string(err.Event)),
		zap.String("request_id", err.RequestID),
		zap.Int64("seq", err.Seq),
	}
	if err.Monotonicity() {
		d.logger.Warn("Discarding out-of-order event", append(fields, zap.Int64("expected", err.Expected))...)
		return
	}
	d.logger.Debug("Discarding stale event", fields...)
}

func (d *Dispatcher) apply(env *protocol.Envelope) {
	ts := d.now()
	if env.Timestamp > 0 {
		ts = time.UnixMilli(env.Timestamp)
	}

	switch ev := env.Event.(type) {
	case protocol.ContentDelta:
		if d.draft == nil {
			d.draft = &Message{ID: d.newID(), Kind: KindAnswer, Timestamp: ts}
			if d.phase != "" {
				d.draft.Metadata = &Metadata{Phase: string(d.phase)}
			}
		}
		d.draft.Content += ev.Text
		d.activeStep = StepGenerating

	case protocol.PhaseStatus:
		d.phase = ev.Phase
		d.activeStep = phaseStep(ev)

	case protocol.Progress:
		d.activeStep = progressStep(ev)

	case protocol.ToolCall:
		msg := Message{
			ID:        d.newID(),
			Kind:      KindTool,
			Content:   fmt.Sprintf("%s: %s", ev.Tool, ev.Query),
			Timestamp: ts,
			Metadata:  &Metadata{Tool: ev.Tool, Phase: string(d.phase)},
		}
		if d.append(msg) {
			d.pendingTools[ev.Tool] = append(d.pendingTools[ev.Tool], msg.ID)
		}
		d.activeStep = fmt.Sprintf("Running %s...", ev.Tool)

	case protocol.ToolResult:
		d.applyToolResult(ev, ts)

	case protocol.Complete:
		d.commitDraft()
		_ = d.machine.Complete()
		d.activeStep = StepComplete

	case protocol.Aborted:
		if ev.PartialSaved {
			d.commitDraft()
		}
		d.draft = nil
		_ = d.machine.Abort()
		d.activeStep = StepAborted

	case protocol.Error:
		d.failRequestAt(ev.Message, ts)

	case protocol.HeartbeatAck:
		d.lastHeartbeat = ts

	default:
		d.logger.Warn("No rule for event", zap.String("event", string(env.Event.Type())))
	}

	if protocol.Terminal(env.Event) {
		d.pendingTools = make(map[string][]string)
	}
}

func (d *Dispatcher) applyToolResult(ev protocol.ToolResult, ts time.Time) {
	outcome := toolOutcome(ev)

	if queue := d.pendingTools[ev.Tool]; len(queue) > 0 {
		id := queue[0]
		d.pendingTools[ev.Tool] = queue[1:]
		d.committedValid = false
		err := d.store.Update(id, func(m *Message) {
			m.Content += "\n" + outcome
			if ev.ArtifactID != "" {
				if m.Metadata == nil {
					m.Metadata = &Metadata{Tool: ev.Tool}
				}
				m.Metadata.Citations = append(m.Metadata.Citations, ev.ArtifactID)
			}
		})
		if err == nil {
			return
		}
		d.logger.Warn("Failed to update tool message", zap.String("id", id), zap.Error(err))
	}

	msg := Message{
		ID:        d.newID(),
		Kind:      KindTool,
		Content:   fmt.Sprintf("%s\n%s", ev.Tool, outcome),
		Timestamp: ts,
		Metadata:  &Metadata{Tool: ev.Tool, Phase: string(d.phase)},
	}
	if ev.ArtifactID != "" {
		msg.Metadata.Citations = []string{ev.ArtifactID}
	}
	d.append(msg)
}

// ProcessExited handles the engine going away. A streaming request fails as
// if the engine had sent an error event. It reports whether a request failed.
func (d *Dispatcher) ProcessExited(cause error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.engine = EngineExited
	if !d.machine.Streaming() {
		d.activeStep = StepStopped
		return false
	}

	text := "Engine exited unexpectedly"
	if cause != nil {
		text = fmt.Sprintf("%s: %v", text, cause)
	}
	d.failRequest(text)
	return true
}

// Acknowledge returns an aborted or failed session to idle after the UI has
// shown the outcome.
func (d *Dispatcher) Acknowledge() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.machine.Acknowledge() {
		return false
	}
	if d.engine == EngineReady {
		d.activeStep = StepReady
	}
	return true
}

// SetMode changes the mode used by the next submit.
func (d *Dispatcher) SetMode(mode protocol.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !mode.Valid() || (d.ready != nil && !d.ready.Supports(mode)) {
		return fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
	d.mode = mode
	return nil
}

// Clear removes every message at once. Not allowed while streaming.
func (d *Dispatcher) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.machine.Streaming() {
		return session.ErrRequestInFlight
	}
	d.draft = nil
	d.committedValid = false
	return d.store.Clear()
}

// Streaming reports whether a request is in flight.
func (d *Dispatcher) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.machine.Streaming()
}

// Mode returns the current mode.
func (d *Dispatcher) Mode() protocol.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// LastHeartbeat returns when the engine last acknowledged a heartbeat.
func (d *Dispatcher) LastHeartbeat() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHeartbeat
}

// Anomalies returns the number of discarded events per reason.
func (d *Dispatcher) Anomalies() map[StaleReason]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[StaleReason]uint64, len(d.anomalies))
	for k, v := range d.anomalies {
		out[k] = v
	}
	return out
}

// Snapshot returns a copy of the session. The streaming answer, if any, is
// the last message.
func (d *Dispatcher) Snapshot() Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.committedValid {
		msgs, err := d.store.Messages()
		if err != nil {
			d.logger.Error("Failed to read messages", zap.Error(err))
		}
		d.committed, d.committedValid = msgs, err == nil
	}
	msgs := make([]Message, 0, len(d.committed)+1)
	for _, m := range d.committed {
		msgs = append(msgs, m.Clone())
	}
	if d.draft != nil {
		msgs = append(msgs, d.draft.Clone())
	}

	var caps []protocol.Mode
	if d.ready != nil {
		caps = append(caps, d.ready.Capabilities...)
	}
	return Session{
		Mode:          d.mode,
		RequestStatus: d.machine.Status(),
		RequestID:     d.machine.RequestID(),
		ActiveStep:    d.activeStep,
		Engine:        d.engine,
		Capabilities:  caps,
		Messages:      msgs,
	}
}

func (d *Dispatcher) resetRequest() {
	d.lastSeq = 0
	d.phase = ""
	d.draft = nil
	d.pendingTools = make(map[string][]string)
}

func (d *Dispatcher) commitDraft() {
	if d.draft == nil {
		return
	}
	d.append(*d.draft)
	d.draft = nil
}

func (d *Dispatcher) failRequest(text string) {
	d.failRequestAt(text, d.now())
}

func (d *Dispatcher) failRequestAt(text string, ts time.Time) {
	d.draft = nil
	if err := d.machine.Fail(); err != nil {
		d.logger.Warn("Request failure outside streaming", zap.Error(err))
	}
	d.appendLog(text, ts)
	d.activeStep = "Error: " + text
}

func (d *Dispatcher) appendLog(text string, ts time.Time) {
	d.append(Message{ID: d.newID(), Kind: KindLog, Content: text, Timestamp: ts})
}

func (d *Dispatcher) append(msg Message) bool {
	d.committedValid = false
	if err := d.store.Append(msg); err != nil {
		d.logger.Error("Failed to store message", zap.String("id", msg.ID), zap.Error(err))
		return false
	}
	return true
}

func phaseStep(ev protocol.PhaseStatus) string {
	name := string(ev.Phase)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return fmt.Sprintf("%s: %s", name, ev.Status)
}

func progressStep(ev protocol.Progress) string {
	if ev.Message == "" {
		return fmt.Sprintf("%.0f%%", ev.Percent)
	}
	return fmt.Sprintf("%.0f%% %s", ev.Percent, ev.Message)
}

func toolOutcome(ev protocol.ToolResult) string {
	if ev.Success {
		return "-> " + ev.Summary
	}
	reason := ev.Error
	if reason == "" {
		reason = ev.Summary
	}
	return "-> failed: " + reason
}
