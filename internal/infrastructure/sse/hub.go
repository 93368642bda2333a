package sse

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/execution-hub/otrun/internal/domain/sequence"
)

// Hub fans sequence events out to connected SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*sequence.SSEClient
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*sequence.SSEClient),
		logger:  logger.With().Str("component", "sse_hub").Logger(),
	}
}

// Register adds client. It returns sequence.ErrClientExists when the ID is
// already streaming.
func (h *Hub) Register(client *sequence.SSEClient) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ClientID]; ok {
		return sequence.ErrClientExists
	}
	h.clients[client.ClientID] = client
	return nil
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements sequence.EventPublisher. Slow clients miss events
// rather than block the sequence.
func (h *Hub) Publish(event *sequence.Event) {
	msg, err := sequence.NewSSEMessage(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(event.Type)).Msg("failed to encode event")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.Wants(event.SequenceID) {
			continue
		}
		if !trySend(c, msg) {
			h.logger.Warn().Str("client_id", c.ClientID).Str("event", string(event.Type)).Msg("dropping event for slow client")
		}
	}
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *sequence.SSEClient, msg *sequence.SSEMessage) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
