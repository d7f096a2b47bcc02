package dispatch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"enginelink/internal/protocol"
	"enginelink/internal/session"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var testClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	n := 0
	d := New(Options{
		Logger: zap.NewNop(),
		Now:    func() time.Time { return testClock },
		NewID: func() string {
			n++
			return fmt.Sprintf("m%d", n)
		},
	})
	d.MarkReady(&protocol.Ready{ProtocolVersion: "1.0", Capabilities: protocol.Modes})
	return d
}

type envelopes struct {
	requestID string
	seq       int64
}

func (e *envelopes) next(ev protocol.Event) *protocol.Envelope {
	e.seq++
	return &protocol.Envelope{SessionID: "sess_default", RequestID: e.requestID, Seq: e.seq, Timestamp: testClock.UnixMilli(), Event: ev}
}

func submit(t *testing.T, d *Dispatcher, requestID string) *envelopes {
	t.Helper()
	cmd, err := d.Submit(protocol.ModeChat, "question", requestID)
	require.NoError(t, err)
	assert.Equal(t, protocol.NewRequest(protocol.ModeChat, "question", requestID), cmd)
	return &envelopes{requestID: requestID}
}

func TestDispatcher_DeltaThenComplete(t *testing.T) {
	d := newTestDispatcher(t)
	envs := submit(t, d, "r1")
	assert.Equal(t, session.StatusStreaming, d.Snapshot().RequestStatus)

	require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: "Hel"})))
	require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: "lo"})))

	snap := d.Snapshot()
	assert.Equal(t, StepGenerating, snap.ActiveStep)
	answer, ok := snap.Answer()
	require.True(t, ok, "streaming answer should be visible")
	assert.Equal(t, "Hello", answer)

	require.NoError(t, d.Apply(envs.next(protocol.Complete{})))

	snap = d.Snapshot()
	assert.Equal(t, session.StatusIdle, snap.RequestStatus)
	assert.Equal(t, StepComplete, snap.ActiveStep)
	want := []Message{
		{ID: "m1", Kind: KindUser, Content: "question", Timestamp: testClock},
		{ID: "m2", Kind: KindAnswer, Content: "Hello", Timestamp: time.UnixMilli(testClock.UnixMilli())},
	}
	if diff := cmp.Diff(want, snap.Messages); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatcher_SeqOrdering(t *testing.T) {
	t.Run("duplicate is flagged and not merged twice", func(t *testing.T) {
		d := newTestDispatcher(t)
		envs := submit(t, d, "r1")

		first := envs.next(protocol.ContentDelta{Text: "A"})
		require.NoError(t, d.Apply(first))

		err := d.Apply(first)
		var stale *StaleEventError
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, ReasonSeqRegression, stale.Reason)
		assert.True(t, stale.Monotonicity())

		require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: "B"})))
		answer, _ := d.Snapshot().Answer()
		assert.Equal(t, "AB", answer)
		assert.Equal(t, uint64(1), d.Anomalies()[ReasonSeqRegression])
	})

	t.Run("gap is flagged and fails the request", func(t *testing.T) {
		d := newTestDispatcher(t)
		envs := submit(t, d, "r1")
		require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: "A"})))

		envs.seq++ // lose seq 2
		err := d.Apply(envs.next(protocol.ContentDelta{Text: "C"}))
		var stale *StaleEventError
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, ReasonSeqGap, stale.Reason)
		assert.Equal(t, int64(2), stale.Expected)
		assert.Equal(t, int64(3), stale.Seq)

		snap := d.Snapshot()
		assert.Equal(t, session.StatusError, snap.RequestStatus)
		_, hasAnswer := snap.Answer()
		assert.False(t, hasAnswer, "the incomplete answer must not be kept")
		last := snap.Messages[len(snap.Messages)-1]
		assert.Equal(t, KindLog, last.Kind)
		assert.Contains(t, last.Content, "expected seq 2, got 3")

		// Anything further for the failed request is stale.
		err = d.Apply(envs.next(protocol.Complete{}))
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, ReasonRequestMismatch, stale.Reason)
	})

	t.Run("seq restarts for each request", func(t *testing.T) {
		d := newTestDispatcher(t)
		envs := submit(t, d, "r1")
		require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: "one"})))
		require.NoError(t, d.Apply(envs.next(protocol.Complete{})))

		envs = submit(t, d, "r2")
		require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: "two"})))
		require.NoError(t, d.Apply(envs.next(protocol.Complete{})))

		assert.Len(t, d.Snapshot().Messages, 4)
		assert.Empty(t, d.Anomalies())
	})
}

func TestDispatcher_StaleRequestDiscarded(t *testing.T) {
	d := newTestDispatcher(t)
	old := submit(t, d, "r1")
	require.NoError(t, d.Apply(old.next(protocol.Complete{})))

	current := submit(t, d, "r2")
	err := d.Apply(old.next(protocol.ContentDelta{Text: "late"}))
	var stale *StaleEventError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, ReasonRequestMismatch, stale.Reason)
	assert.False(t, stale.Monotonicity())

	require.NoError(t, d.Apply(current.next(protocol.ContentDelta{Text: "fresh"})))
	answer, _ := d.Snapshot().Answer()
	assert.Equal(t, "fresh", answer)
}

func TestDispatcher_EventsWhileIdleAreStale(t *testing.T) {
	d := newTestDispatcher(t)
	err := d.Apply(&protocol.Envelope{SessionID: "s", RequestID: "r9", Seq: 1, Event: protocol.Complete{}})
	var stale *StaleEventError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, ReasonRequestMismatch, stale.Reason)
	assert.Equal(t, session.StatusIdle, d.Snapshot().RequestStatus)
}

func TestDispatcher_EventsBeforeReadyAreStale(t *testing.T) {
	d := New(Options{})
	err := d.Apply(&protocol.Envelope{SessionID: "s", RequestID: "r1", Seq: 1, Event: protocol.Complete{}})
	var stale *StaleEventError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, ReasonNotReady, stale.Reason)

	_, err = d.Submit(protocol.ModeChat, "hi", "r1")
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestDispatcher_SessionMismatch(t *testing.T) {
	d := newTestDispatcher(t)
	envs := submit(t, d, "r1")
	require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: "a"})))

	foreign := envs.next(protocol.ContentDelta{Text: "b"})
	foreign.SessionID = "sess_other"
	var stale *StaleEventError
	require.ErrorAs(t, d.Apply(foreign), &stale)
	assert.Equal(t, ReasonSessionMismatch, stale.Reason)
}

func TestDispatcher_AbortWithPartialSaved(t *testing.T) {
	d := newTestDispatcher(t)
	envs := submit(t, d, "r1")
	require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: "partial"})))
	require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: " answer"})))

	require.NoError(t, d.RequestAbort())
	snap := d.Snapshot()
	assert.Equal(t, session.StatusStreaming, snap.RequestStatus, "abort request alone must not change status")
	assert.Equal(t, StepAborting, snap.ActiveStep)

	require.NoError(t, d.Apply(envs.next(protocol.Aborted{PartialSaved: true})))
	snap = d.Snapshot()
	assert.Equal(t, session.StatusAborted, snap.RequestStatus)
	answer, ok := snap.Answer()
	require.True(t, ok)
	assert.Equal(t, "partial answer", answer)

	_, err := d.Submit(protocol.ModeChat, "again", "r2")
	assert.ErrorIs(t, err, session.ErrAwaitingAck)

	assert.True(t, d.Acknowledge())
	assert.Equal(t, session.StatusIdle, d.Snapshot().RequestStatus)
	assert.Equal(t, StepReady, d.Snapshot().ActiveStep)
}

func TestDispatcher_AbortWithoutPartialSaved(t *testing.T) {
	d := newTestDispatcher(t)
	envs := submit(t, d, "r1")
	require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: "partial"})))
	require.NoError(t, d.Apply(envs.next(protocol.Aborted{PartialSaved: false})))

	snap := d.Snapshot()
	assert.Equal(t, session.StatusAborted, snap.RequestStatus)
	_, ok := snap.Answer()
	assert.False(t, ok)
	assert.Len(t, snap.Messages, 1, "only the user message remains")
}

func TestDispatcher_CompleteWinsAbortRace(t *testing.T) {
	d := newTestDispatcher(t)
	envs := submit(t, d, "r1")
	require.NoError(t, d.RequestAbort())
	require.NoError(t, d.Apply(envs.next(protocol.Complete{})))

	// The engine's late abort confirmation belongs to a finished request.
	var stale *StaleEventError
	require.ErrorAs(t, d.Apply(envs.next(protocol.Aborted{})), &stale)
	assert.Equal(t, session.StatusIdle, d.Snapshot().RequestStatus)
}

func TestDispatcher_ErrorEvent(t *testing.T) {
	d := newTestDispatcher(t)
	envs := submit(t, d, "r1")
	require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: "half"})))
	require.NoError(t, d.Apply(envs.next(protocol.Error{Message: "model overloaded"})))

	snap := d.Snapshot()
	assert.Equal(t, session.StatusError, snap.RequestStatus)
	assert.Equal(t, "Error: model overloaded", snap.ActiveStep)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, KindLog, snap.Messages[1].Kind)
	assert.Equal(t, "model overloaded", snap.Messages[1].Content)

	assert.True(t, d.Acknowledge())
	_, err := d.Submit(protocol.ModeChat, "retry by hand", "r2")
	assert.NoError(t, err)
}

func TestDispatcher_PhaseAndProgress(t *testing.T) {
	d := newTestDispatcher(t)
	envs := submit(t, d, "r1")

	require.NoError(t, d.Apply(envs.next(protocol.PhaseStatus{Phase: protocol.PhaseResearching, Status: protocol.StepWorking})))
	snap := d.Snapshot()
	assert.Equal(t, "Researching: working", snap.ActiveStep)
	assert.Equal(t, session.StatusStreaming, snap.RequestStatus)

	require.NoError(t, d.Apply(envs.next(protocol.Progress{Percent: 40, Message: "Reading sources"})))
	assert.Equal(t, "40% Reading sources", d.Snapshot().ActiveStep)

	require.NoError(t, d.Apply(envs.next(protocol.Progress{Percent: 99.6})))
	assert.Equal(t, "100%", d.Snapshot().ActiveStep)

	require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: "x"})))
	msgs := d.Snapshot().Messages
	require.NotNil(t, msgs[len(msgs)-1].Metadata)
	assert.Equal(t, "researching", msgs[len(msgs)-1].Metadata.Phase)
}

func TestDispatcher_ToolCallAndResult(t *testing.T) {
	d := newTestDispatcher(t)
	envs := submit(t, d, "r1")

	require.NoError(t, d.Apply(envs.next(protocol.ToolCall{Tool: "web_search", Query: "go 1.24"})))
	require.NoError(t, d.Apply(envs.next(protocol.ToolCall{Tool: "web_search", Query: "go 1.25"})))
	require.NoError(t, d.Apply(envs.next(protocol.ToolResult{Tool: "web_search", Success: true, Summary: "5 results", ArtifactID: "art-1"})))
	require.NoError(t, d.Apply(envs.next(protocol.ToolResult{Tool: "web_search", Success: false, Summary: "", Error: "rate limited"})))
	require.NoError(t, d.Apply(envs.next(protocol.ToolResult{Tool: "fetch", Success: true, Summary: "ok"})))

	msgs := d.Snapshot().Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "web_search: go 1.24\n-> 5 results", msgs[1].Content)
	assert.Equal(t, []string{"art-1"}, msgs[1].Metadata.Citations)
	assert.Equal(t, "web_search: go 1.25\n-> failed: rate limited", msgs[2].Content)
	assert.Equal(t, KindTool, msgs[3].Kind)
	assert.Equal(t, "fetch\n-> ok", msgs[3].Content, "result without a pending call is appended")
}

func TestDispatcher_ProcessExited(t *testing.T) {
	t.Run("while streaming", func(t *testing.T) {
		d := newTestDispatcher(t)
		envs := submit(t, d, "r1")
		require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: "x"})))

		assert.True(t, d.ProcessExited(errors.New("exit status 3")))
		snap := d.Snapshot()
		assert.Equal(t, session.StatusError, snap.RequestStatus)
		assert.Equal(t, EngineExited, snap.Engine)
		last := snap.Messages[len(snap.Messages)-1]
		assert.Equal(t, KindLog, last.Kind)
		assert.Equal(t, "Engine exited unexpectedly: exit status 3", last.Content)

		_, err := d.Submit(protocol.ModeChat, "hi", "r2")
		assert.ErrorIs(t, err, ErrEngineUnavailable)
	})

	t.Run("while idle", func(t *testing.T) {
		d := newTestDispatcher(t)
		assert.False(t, d.ProcessExited(nil))
		snap := d.Snapshot()
		assert.Equal(t, session.StatusIdle, snap.RequestStatus)
		assert.Equal(t, StepStopped, snap.ActiveStep)
	})
}

func TestDispatcher_StartupFailed(t *testing.T) {
	d := New(Options{})
	d.StartupFailed(errors.New("exec: \"nope\": executable file not found in $PATH"))
	snap := d.Snapshot()
	assert.Equal(t, EngineFailed, snap.Engine)
	assert.Equal(t, session.StatusIdle, snap.RequestStatus, "startup failure is not a request error")
	assert.Contains(t, snap.ActiveStep, "Engine failed to start")
}

func TestDispatcher_SubmitRules(t *testing.T) {
	d := newTestDispatcher(t)
	submit(t, d, "r1")

	_, err := d.Submit(protocol.ModeChat, "second", "r2")
	assert.ErrorIs(t, err, session.ErrRequestInFlight)
	assert.Len(t, d.Snapshot().Messages, 1, "rejected submit must not add a message")

	assert.ErrorIs(t, d.Clear(), session.ErrRequestInFlight)

	limited := New(Options{})
	limited.MarkReady(&protocol.Ready{ProtocolVersion: "1.0", Capabilities: []protocol.Mode{protocol.ModeChat}})
	_, err = limited.Submit(protocol.ModeResearch, "deep dive", "r1")
	assert.ErrorIs(t, err, ErrUnsupportedMode)
	assert.ErrorIs(t, limited.SetMode(protocol.ModePlan), ErrUnsupportedMode)
	assert.NoError(t, limited.SetMode(protocol.ModeChat))
}

func TestDispatcher_AbandonAndClear(t *testing.T) {
	d := newTestDispatcher(t)
	submit(t, d, "r1")
	d.Abandon("r1", errors.New("broken pipe"))

	snap := d.Snapshot()
	assert.Equal(t, session.StatusIdle, snap.RequestStatus)
	require.Len(t, snap.Messages, 2)
	assert.Contains(t, snap.Messages[1].Content, "broken pipe")

	require.NoError(t, d.Clear())
	assert.Empty(t, d.Snapshot().Messages)
}

func TestDispatcher_HeartbeatAck(t *testing.T) {
	d := newTestDispatcher(t)
	envs := submit(t, d, "r1")
	require.NoError(t, d.Apply(envs.next(protocol.HeartbeatAck{})))
	assert.Equal(t, time.UnixMilli(testClock.UnixMilli()), d.LastHeartbeat())
	assert.Len(t, d.Snapshot().Messages, 1)
}

func TestDispatcher_LogsMonotonicityViolations(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := New(Options{Logger: zap.New(core)})
	d.MarkReady(&protocol.Ready{ProtocolVersion: "1.0", Capabilities: protocol.Modes})
	envs := submit(t, d, "r1")

	ev := envs.next(protocol.ContentDelta{Text: "a"})
	require.NoError(t, d.Apply(ev))
	require.Error(t, d.Apply(ev))

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("Discarding out-of-order event")
	assert.Equal(t, 1, warnings.Len())
}

func TestDispatcher_SnapshotIsACopy(t *testing.T) {
	d := newTestDispatcher(t)
	envs := submit(t, d, "r1")
	require.NoError(t, d.Apply(envs.next(protocol.ToolCall{Tool: "t", Query: "q"})))

	snap := d.Snapshot()
	snap.Messages[0].Content = "tampered"
	snap.Messages[1].Metadata.Tool = "tampered"

	fresh := d.Snapshot()
	assert.Equal(t, "question", fresh.Messages[0].Content)
	assert.Equal(t, "t", fresh.Messages[1].Metadata.Tool)
}

// countingStore counts reads of the wrapped store.
type countingStore struct {
	*MemoryStore
	reads int
}

func (s *countingStore) Messages() ([]Message, error) {
	s.reads++
	return s.MemoryStore.Messages()
}

func TestDispatcher_SnapshotReadsStoreOnlyAfterWrites(t *testing.T) {
	st := &countingStore{MemoryStore: NewMemoryStore()}
	d := New(Options{Store: st, Logger: zap.NewNop(), Now: func() time.Time { return testClock }})
	d.MarkReady(&protocol.Ready{ProtocolVersion: "1.0", Capabilities: protocol.Modes})
	envs := submit(t, d, "r1")

	for _, word := range []string{"one ", "two ", "three"} {
		require.NoError(t, d.Apply(envs.next(protocol.ContentDelta{Text: word})))
		snap := d.Snapshot()
		require.Len(t, snap.Messages, 2)
	}
	assert.Equal(t, 1, st.reads, "deltas only touch the draft")

	require.NoError(t, d.Apply(envs.next(protocol.ToolCall{Tool: "search", Query: "q"})))
	require.NoError(t, d.Apply(envs.next(protocol.ToolResult{Tool: "search", Success: true, Summary: "ok"})))
	require.NoError(t, d.Apply(envs.next(protocol.Complete{})))

	msgs := d.Snapshot().Messages
	assert.Equal(t, 2, st.reads)
	require.Len(t, msgs, 3)
	assert.Equal(t, "search: q\n-> ok", msgs[1].Content)
	assert.Equal(t, "one two three", msgs[2].Content)

	require.NoError(t, d.Clear())
	assert.Empty(t, d.Snapshot().Messages)
	assert.Equal(t, 3, st.reads)
}
