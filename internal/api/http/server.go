package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appSequence "github.com/execution-hub/otrun/internal/application/sequence"
	"github.com/execution-hub/otrun/internal/domain/run"
	"github.com/execution-hub/otrun/internal/domain/sequence"
	"github.com/execution-hub/otrun/internal/infrastructure/sse"
)

const maxBodyBytes = 1 << 20

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	sequenceSvc  *appSequence.Service
	sseHub       *sse.Hub
	db           Pinger
	apiTokenHash string
	logger       zerolog.Logger
}

// NewServer creates the HTTP server. db may be nil; an empty apiTokenHash
// disables authentication.
func NewServer(
	sequenceSvc *appSequence.Service,
	sseHub *sse.Hub,
	db Pinger,
	apiTokenHash string,
	logger zerolog.Logger,
) *Server {
	return &Server{
		sequenceSvc:  sequenceSvc,
		sseHub:       sseHub,
		db:           db,
		apiTokenHash: apiTokenHash,
		logger:       logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAuth)

		// Streams outlive the request timeout.
		r.Get("/events", s.sseEndpoint)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/sequences", func(r chi.Router) {
				r.Post("/", s.createSequence)
				r.Get("/", s.listSequences)
				r.Get("/{sequenceId}", s.getSequence)
				r.Post("/{sequenceId}/resume", s.resumeSequence)
				r.Post("/{sequenceId}/cancel", s.cancelSequence)
			})

			r.Post("/render", s.renderTemplate)
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "database unreachable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) sseEndpoint(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	var sequenceID *uuid.UUID
	if v := r.URL.Query().Get("sequence_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sequence_id")
			return
		}
		sequenceID = &id
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	client := sequence.NewSSEClient(clientID, sequenceID)
	if err := s.sseHub.Register(client); err != nil {
		respondError(w, http.StatusConflict, "CLIENT_EXISTS", err.Error())
		return
	}
	defer s.sseHub.Unregister(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Flush headers so the client sees the stream open.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.MessageChan:
			if !open || msg == nil {
				return
			}
			_, _ = w.Write([]byte("id: " + msg.ID + "\nevent: " + msg.Event + "\ndata: "))
			_, _ = w.Write(msg.Data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sequence.ErrInvalidDefinition):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case errors.Is(err, sequence.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, run.ErrRobotBusy):
		respondError(w, http.StatusConflict, "ROBOT_BUSY", err.Error())
	case errors.Is(err, sequence.ErrNotActive):
		respondError(w, http.StatusConflict, "NOT_ACTIVE", err.Error())
	case errors.Is(err, sequence.ErrNotPaused):
		respondError(w, http.StatusConflict, "NOT_PAUSED", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
