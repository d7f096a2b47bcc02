package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_SuccessfulRequest(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StatusIdle, m.Status())

	require.NoError(t, m.Submit("r1"))
	assert.Equal(t, StatusStreaming, m.Status())
	assert.True(t, m.Tracks("r1"))
	assert.False(t, m.Tracks("r0"))

	require.NoError(t, m.Complete())
	assert.Equal(t, StatusIdle, m.Status())
	assert.False(t, m.Tracks("r1"), "finished request must not be tracked")
	assert.Empty(t, m.RequestID())
}

func TestMachine_SubmitWhileStreamingRejected(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Submit("r1"))

	assert.ErrorIs(t, m.Submit("r2"), ErrRequestInFlight)
	assert.Equal(t, "r1", m.RequestID(), "rejected submit must not replace the tracked request")
}

func TestMachine_AbortedNeedsAcknowledge(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Submit("r1"))
	require.NoError(t, m.Abort())
	assert.Equal(t, StatusAborted, m.Status())

	assert.ErrorIs(t, m.Submit("r2"), ErrAwaitingAck)

	assert.True(t, m.Acknowledge())
	assert.Equal(t, StatusIdle, m.Status())
	require.NoError(t, m.Submit("r2"))
}

func TestMachine_ErrorNeedsAcknowledge(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Submit("r1"))
	require.NoError(t, m.Fail())
	assert.Equal(t, StatusError, m.Status())

	assert.ErrorIs(t, m.Submit("r2"), ErrAwaitingAck)
	assert.True(t, m.Acknowledge())
	assert.False(t, m.Acknowledge(), "second acknowledge is a no-op")
}

func TestMachine_TerminalTransitionsNeedStreaming(t *testing.T) {
	m := NewMachine()

	var te *TransitionError
	require.ErrorAs(t, m.Complete(), &te)
	assert.Equal(t, StatusIdle, te.From)
	require.ErrorAs(t, m.Abort(), &te)
	require.ErrorAs(t, m.Fail(), &te)

	assert.False(t, m.Acknowledge())
	assert.Equal(t, StatusIdle, m.Status())
}

func TestMachine_Abandon(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Submit("r1"))

	assert.ErrorIs(t, m.Abandon("other"), ErrNotStreaming)
	require.NoError(t, m.Abandon("r1"))
	assert.Equal(t, StatusIdle, m.Status())
}

func TestMachine_SubmitRequiresID(t *testing.T) {
	m := NewMachine()
	assert.Error(t, m.Submit(""))
	assert.Equal(t, StatusIdle, m.Status())
}
