package transport

import (
	"errors"
	"fmt"

	"enginelink/internal/protocol"
)

// ErrNotRunning is wrapped by every *NotRunningError.
var ErrNotRunning = errors.New("engine process is not running")

// SpawnError reports that the engine process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start engine %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// NotRunningError is returned by Send when no engine process is alive. No
// bytes were written.
type NotRunningError struct {
	Command protocol.CommandType
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("cannot send %s command: %v", e.Command, ErrNotRunning)
}

func (e *NotRunningError) Unwrap() error { return ErrNotRunning }
