package dispatch

import (
	"errors"
	"fmt"

	"enginelink/internal/protocol"
)

var (
	// ErrUnsupportedMode rejects a mode the engine did not announce.
	ErrUnsupportedMode = errors.New("mode not supported by engine")
	// ErrEngineUnavailable rejects a submit before the handshake or after the
	// engine went away.
	ErrEngineUnavailable = errors.New("engine is not ready")
)

// StaleReason says why an event was discarded.
type StaleReason string

const (
	ReasonNotReady        StaleReason = "not_ready"
	ReasonRequestMismatch StaleReason = "request_mismatch"
	ReasonSessionMismatch StaleReason = "session_mismatch"
	ReasonSeqRegression   StaleReason = "seq_regression"
	ReasonSeqGap          StaleReason = "seq_gap"
)

// StaleEventError reports an event that was not applied. It is an internal
// anomaly: the event is dropped and the dispatcher keeps going.
type StaleEventError struct {
	Reason    StaleReason
	Event     protocol.EventType
	RequestID string
	Seq       int64
	Expected  int64
}

func (e *StaleEventError) Error() string {
	switch e.Reason {
	case ReasonSeqRegression, ReasonSeqGap:
		return fmt.Sprintf("stale %s event for request %s: %s (seq %d, expected %d)",
			e.Event, e.RequestID, e.Reason, e.Seq, e.Expected)
	default:
		return fmt.Sprintf("stale %s event for request %s: %s", e.Event, e.RequestID, e.Reason)
	}
}

// Monotonicity reports whether the anomaly is a seq ordering violation,
// which points at a transport or engine bug.
func (e *StaleEventError) Monotonicity() bool {
	return e.Reason == ReasonSeqRegression || e.Reason == ReasonSeqGap
}
