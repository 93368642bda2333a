package run

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the orchestrator's view of a robot run.
type Status string

const (
	StatusQueued                Status = "queued"
	StatusRunning               Status = "running"
	StatusPausedForIntervention Status = "paused_for_intervention"
	StatusSucceeded             Status = "succeeded"
	StatusFailed                Status = "failed"
	StatusStopped               Status = "stopped"
)

// IsTerminal reports whether no further transition can occur.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// ParseRemoteStatus maps a status string reported by the robot onto Status.
// The robot reports a richer set (idle, finishing, stop-requested,
// blocked-by-open-door, awaiting-recovery...) which collapses onto ours.
func ParseRemoteStatus(remote string) (Status, bool) {
	s := strings.ToLower(strings.TrimSpace(remote))
	switch s {
	case "idle", "queued":
		return StatusQueued, true
	case "running", "finishing", "stop-requested":
		return StatusRunning, true
	case "paused", "blocked-by-open-door", "paused_for_intervention":
		return StatusPausedForIntervention, true
	case "succeeded":
		return StatusSucceeded, true
	case "failed":
		return StatusFailed, true
	case "stopped":
		return StatusStopped, true
	}
	if strings.HasPrefix(s, "awaiting-recovery") {
		return StatusPausedForIntervention, true
	}
	return "", false
}

// ProtocolHandle identifies a protocol registered on the robot.
type ProtocolHandle struct {
	ID string `json:"protocolId"`
}

// Handle identifies one executing instance of a protocol.
type Handle struct {
	ID         string `json:"runId"`
	ProtocolID string `json:"protocolId"`
}

// State is a single observation of a run on the robot.
type State struct {
	RunID      string          `json:"runId"`
	Status     Status          `json:"status"`
	RawStatus  string          `json:"rawStatus"`
	Errors     json.RawMessage `json:"errors,omitempty"`
	ObservedAt time.Time       `json:"observedAt"`
}
