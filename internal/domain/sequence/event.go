package sequence

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/otrun/internal/domain/run"
)

var ErrClientExists = errors.New("sse client id already in use")

// EventType names a progress event.
type EventType string

const (
	EventSequenceStarted  EventType = "sequence.started"
	EventItemSubmitted    EventType = "item.submitted"
	EventItemStarted      EventType = "item.started"
	EventItemStatus       EventType = "item.status"
	EventItemFinished     EventType = "item.finished"
	EventSequenceFinished EventType = "sequence.finished"
)

// Event is a progress notification for a sequence execution.
type Event struct {
	Type       EventType  `json:"type"`
	SequenceID uuid.UUID  `json:"sequenceId"`
	Index      *int       `json:"index,omitempty"`
	Name       string     `json:"name,omitempty"`
	ProtocolID string     `json:"protocolId,omitempty"`
	RunID      string     `json:"runId,omitempty"`
	RunStatus  run.Status `json:"runStatus,omitempty"`
	Status     Status     `json:"status,omitempty"`
	Error      string     `json:"error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, sequenceID uuid.UUID) *Event {
	return &Event{
		Type:       eventType,
		SequenceID: sequenceID,
		Timestamp:  time.Now().UTC(),
	}
}

// ForItem attaches the item index and name.
func (e *Event) ForItem(index int, name string) *Event {
	i := index
	e.Index = &i
	e.Name = name
	return e
}

// SSEClient represents an active SSE connection.
type SSEClient struct {
	ClientID    string
	SequenceID  *uuid.UUID
	ConnectedAt time.Time
	MessageChan chan *SSEMessage
}

// NewSSEClient creates a client; a nil sequenceID subscribes to every sequence.
func NewSSEClient(clientID string, sequenceID *uuid.UUID) *SSEClient {
	return &SSEClient{
		ClientID:    clientID,
		SequenceID:  sequenceID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *SSEMessage, 100),
	}
}

// Close closes the client's message channel.
func (c *SSEClient) Close() {
	close(c.MessageChan)
}

// Wants reports whether the client subscribed to events of sequenceID.
func (c *SSEClient) Wants(sequenceID uuid.UUID) bool {
	return c.SequenceID == nil || *c.SequenceID == sequenceID
}

// SSEMessage represents a message to be sent via SSE.
type SSEMessage struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewSSEMessage wraps an event for streaming.
func NewSSEMessage(event *Event) (*SSEMessage, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return &SSEMessage{
		ID:        uuid.New().String(),
		Event:     string(event.Type),
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}
