package run

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRunStopped is reported when a run ends in the stopped state.
	ErrRunStopped = errors.New("run stopped")
	// ErrRobotBusy is returned when another sequence already owns the robot.
	ErrRobotBusy = errors.New("robot busy")
)

// NetworkError wraps a transport-level failure talking to the robot.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is returned when the robot answers with a non-success status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// MalformedResponseError is returned when a response lacks a required field.
type MalformedResponseError struct {
	Op    string
	Field string
	Err   error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: malformed response: %s: %v", e.Op, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: malformed response: missing %s", e.Op, e.Field)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// UploadError is returned when a protocol could not be registered.
type UploadError struct {
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("protocol upload failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// StartError is returned when a run could not be created or played.
type StartError struct {
	ProtocolID string
	RunID      string
	Attempts   int
	Err        error
}

func (e *StartError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("start run %s (protocol %s) failed: %v", e.RunID, e.ProtocolID, e.Err)
	}
	return fmt.Sprintf("create run for protocol %s failed after %d attempt(s): %v", e.ProtocolID, e.Attempts, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// TimeoutError is returned when a run is still non-terminal at the deadline.
// The remote run keeps going.
type TimeoutError struct {
	RunID      string
	Timeout    time.Duration
	LastStatus Status
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s not terminal after %s (last status %q)", e.RunID, e.Timeout, e.LastStatus)
}

// RunFailedError carries the robot's error payload for a failed run.
type RunFailedError struct {
	RunID   string
	Payload []byte
}

func (e *RunFailedError) Error() string {
	if len(e.Payload) == 0 {
		return fmt.Sprintf("run %s failed", e.RunID)
	}
	return fmt.Sprintf("run %s failed: %s", e.RunID, string(e.Payload))
}

// SequenceError reports which work item halted a sequence.
type SequenceError struct {
	Index  int
	Name   string
	Status Status
	Err    error
}

func (e *SequenceError) Error() string {
	label := fmt.Sprintf("item %d", e.Index)
	if e.Name != "" {
		label = fmt.Sprintf("item %d (%s)", e.Index, e.Name)
	}
	if e.Status != "" {
		return fmt.Sprintf("%s ended with status %s: %v", label, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", label, e.Err)
}

func (e *SequenceError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is, or wraps, a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
