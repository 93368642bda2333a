package sequence

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/otrun/internal/domain/run"
)

// Status represents the lifecycle of a sequence execution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

var (
	ErrInvalidTransition = errors.New("invalid sequence status transition")
	ErrNotFound          = errors.New("sequence not found")
	ErrNotActive         = errors.New("sequence is not running")
	ErrNotPaused         = errors.New("sequence is not waiting for intervention")
	ErrInvalidDefinition = errors.New("invalid sequence definition")
)

// Record is a persisted sequence execution.
type Record struct {
	ID          int64           `json:"id"`
	SequenceID  uuid.UUID       `json:"sequenceId"`
	Name        string          `json:"name"`
	RobotURL    string          `json:"robotUrl"`
	Status      Status          `json:"status"`
	Definition  json.RawMessage `json:"definition"`
	Items       []ItemRecord    `json:"items"`
	FailedIndex *int            `json:"failedIndex,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// ItemRecord tracks one work item of a sequence execution.
type ItemRecord struct {
	Index        int                `json:"index"`
	Name         string             `json:"name"`
	Params       map[string]float64 `json:"params,omitempty"`
	ProtocolID   string             `json:"protocolId,omitempty"`
	RunID        string             `json:"runId,omitempty"`
	Status       run.Status         `json:"status,omitempty"`
	ErrorPayload json.RawMessage    `json:"errorPayload,omitempty"`
	Error        string             `json:"error,omitempty"`
	StartedAt    *time.Time         `json:"startedAt,omitempty"`
	FinishedAt   *time.Time         `json:"finishedAt,omitempty"`
}

// NewRecord creates a pending record for def targeting robotURL.
func NewRecord(def *Definition, robotURL string) (*Record, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	items := make([]ItemRecord, len(def.Items))
	for i, item := range def.Items {
		items[i] = ItemRecord{
			Index:  i,
			Name:   item.Label(i),
			Params: item.Clone().Params,
		}
	}
	return &Record{
		SequenceID: uuid.New(),
		Name:       def.Name,
		RobotURL:   robotURL,
		Status:     StatusPending,
		Definition: raw,
		Items:      items,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// CanTransitionTo validates sequence status transition.
func (r *Record) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusPending:   {StatusRunning, StatusCancelled, StatusFailed},
		StatusRunning:   {StatusSucceeded, StatusFailed, StatusCancelled},
		StatusSucceeded: {},
		StatusFailed:    {},
		StatusCancelled: {},
	}
	for _, s := range transitions[r.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// IsFinished reports whether the record reached a final status.
func (r *Record) IsFinished() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed || r.Status == StatusCancelled
}

// Start sets the record to running.
func (r *Record) Start() error {
	if !r.CanTransitionTo(StatusRunning) {
		return ErrInvalidTransition
	}
	r.Status = StatusRunning
	r.touch()
	return nil
}

// Succeed sets the record to succeeded.
func (r *Record) Succeed() error {
	if !r.CanTransitionTo(StatusSucceeded) {
		return ErrInvalidTransition
	}
	r.Status = StatusSucceeded
	r.finish()
	return nil
}

// Fail sets the record to failed. index is nil when the failure is not
// tied to an item.
func (r *Record) Fail(index *int, cause error) error {
	if !r.CanTransitionTo(StatusFailed) {
		return ErrInvalidTransition
	}
	r.Status = StatusFailed
	r.FailedIndex = index
	if cause != nil {
		r.Error = cause.Error()
	}
	r.finish()
	return nil
}

// Cancel sets the record to cancelled.
func (r *Record) Cancel(reason string) error {
	if !r.CanTransitionTo(StatusCancelled) {
		return ErrInvalidTransition
	}
	r.Status = StatusCancelled
	r.Error = reason
	r.finish()
	return nil
}

// Item returns the item record at index, or nil.
func (r *Record) Item(index int) *ItemRecord {
	if index < 0 || index >= len(r.Items) {
		return nil
	}
	return &r.Items[index]
}

func (r *Record) touch() {
	r.UpdatedAt = time.Now().UTC()
}

func (r *Record) finish() {
	now := time.Now().UTC()
	r.UpdatedAt = now
	r.FinishedAt = &now
}
