package httpapi

import (
	"io"
	"net/http"

	"github.com/execution-hub/otrun/internal/domain/sequence"
	"github.com/execution-hub/otrun/internal/infrastructure/script"
)

type renderRequest struct {
	Name     string             `json:"name"`
	Template string             `json:"template"`
	Params   map[string]float64 `json:"params"`
}

// createSequence accepts a JSON or YAML definition.
func (s *Server) createSequence(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "INVALID_PARAM", err.Error())
		return
	}
	def, err := sequence.ParseDefinition(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	rec, err := s.sequenceSvc.Start(r.Context(), def)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	s.logger.Info().
		Str("sequence_id", rec.SequenceID.String()).
		Str("actor", actorFromContext(r.Context())).
		Msg("sequence submitted")
	respondJSON(w, http.StatusAccepted, rec)
}

func (s *Server) listSequences(w http.ResponseWriter, r *http.Request) {
	var status *sequence.Status
	if st := r.URL.Query().Get("status"); st != "" {
		s := sequence.Status(st)
		status = &s
	}
	limit, offset := parseLimitOffset(r, 50, 200)
	records, err := s.sequenceSvc.List(r.Context(), status, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if records == nil {
		records = []*sequence.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sequences": records})
}

func (s *Server) getSequence(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sequenceId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sequenceId")
		return
	}
	rec, err := s.sequenceSvc.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) resumeSequence(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sequenceId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sequenceId")
		return
	}
	if err := s.sequenceSvc.Resume(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	s.logger.Info().Str("sequence_id", id.String()).Str("actor", actorFromContext(r.Context())).Msg("sequence resumed")
	respondJSON(w, http.StatusOK, map[string]interface{}{"sequence_id": id, "resumed": true})
}

func (s *Server) cancelSequence(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sequenceId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sequenceId")
		return
	}
	if err := s.sequenceSvc.Cancel(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	s.logger.Info().Str("sequence_id", id.String()).Str("actor", actorFromContext(r.Context())).Msg("sequence cancel requested")
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"sequence_id": id, "status": sequence.StatusCancelled})
}

func (s *Server) renderTemplate(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if req.Template == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "template is required")
		return
	}
	name := req.Name
	if name == "" {
		name = "template"
	}
	content, err := script.Render(name, req.Template, req.Params)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "RENDER_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"content": content})
}
