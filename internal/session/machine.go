// Package session tracks the lifecycle of the single in-flight request of a
// UI session: idle -> streaming -> {idle, aborted, error} -> idle.
package session

import (
	"errors"
	"fmt"
)

// Status is the request status shown to the user.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStreaming Status = "streaming"
	StatusAborted   Status = "aborted"
	StatusError     Status = "error"
)

var (
	// ErrRequestInFlight rejects a submit while another request is streaming.
	ErrRequestInFlight = errors.New("a request is already in flight")
	// ErrAwaitingAck rejects a submit until an aborted or failed request
	// has been acknowledged by the UI.
	ErrAwaitingAck = errors.New("previous request has not been acknowledged")
	// ErrNotStreaming is returned by operations that need a streaming request.
	ErrNotStreaming = errors.New("no request is streaming")
)

// TransitionError reports a transition that is not legal from the current state.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid request transition %s -> %s", e.From, e.To)
}

// Machine is the request state machine. It is not safe for concurrent use;
// its owner serializes access.
type Machine struct {
	status    Status
	requestID string
}

// NewMachine returns a machine in the idle state.
func NewMachine() *Machine {
	return &Machine{status: StatusIdle}
}

// Status returns the current status.
func (m *Machine) Status() Status { return m.status }

// RequestID returns the in-flight request, or "" when none is tracked.
func (m *Machine) RequestID() string { return m.requestID }

// Streaming reports whether a request is in flight.
func (m *Machine) Streaming() bool { return m.status == StatusStreaming }

// Tracks reports whether events for requestID belong to the in-flight request.
func (m *Machine) Tracks(requestID string) bool {
	return m.status == StatusStreaming && requestID != "" && requestID == m.requestID
}

// Submit starts tracking requestID. Only legal from idle.
func (m *Machine) Submit(requestID string) error {
	switch m.status {
	case StatusIdle:
	case StatusStreaming:
		return ErrRequestInFlight
	default:
		return ErrAwaitingAck
	}
	if requestID == "" {
		return errors.New("request id is required")
	}
	m.status = StatusStreaming
	m.requestID = requestID
	return nil
}

// Complete ends the request successfully: streaming -> idle.
func (m *Machine) Complete() error {
	return m.finish(StatusIdle)
}

// Abort records the engine's abort confirmation: streaming -> aborted.
func (m *Machine) Abort() error {
	return m.finish(StatusAborted)
}

// Fail ends the request with an error: streaming -> error.
func (m *Machine) Fail() error {
	return m.finish(StatusError)
}

// Abandon releases a request that never reached the engine: streaming -> idle.
func (m *Machine) Abandon(requestID string) error {
	if !m.Tracks(requestID) {
		return ErrNotStreaming
	}
	return m.finish(StatusIdle)
}

// Acknowledge returns an aborted or failed session to idle once the UI has
// shown the outcome. It reports whether a transition happened.
func (m *Machine) Acknowledge() bool {
	if m.status != StatusAborted && m.status != StatusError {
		return false
	}
	m.status = StatusIdle
	return true
}

func (m *Machine) finish(to Status) error {
	if m.status != StatusStreaming {
		return &TransitionError{From: m.status, To: to}
	}
	m.status = to
	m.requestID = ""
	return nil
}
