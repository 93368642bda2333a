// Package fakerobot provides an in-memory robot HTTP API for tests.
package fakerobot

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Upload records one protocol upload.
type Upload struct {
	ProtocolID string
	Filename   string
	Content    string
}

// Run records one created run.
type Run struct {
	ID            string
	ProtocolID    string
	RuntimeParams map[string]interface{}
	Actions       []string
	Polls         int
}

// Server is a scripted robot. Each created run walks through its status
// script on every GET; the last status repeats.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	uploads        []Upload
	runs           []*Run
	scripts        map[int][]string
	runErrors      map[int]json.RawMessage
	uploadStatus   int
	runStatus      int
	omitIDs        bool
	requests       []string
	missingVersion int
}

// New starts a fake robot that is closed when the test ends.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		scripts:   make(map[int][]string),
		runErrors: make(map[int]json.RawMessage),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetStatuses scripts the statuses reported for the n-th created run.
func (s *Server) SetStatuses(runIndex int, statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[runIndex] = statuses
}

// SetRunErrors sets the errors payload reported for the n-th created run.
func (s *Server) SetRunErrors(runIndex int, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runErrors[runIndex] = json.RawMessage(payload)
}

// RejectUploads makes protocol uploads answer with code.
func (s *Server) RejectUploads(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadStatus = code
}

// RejectRuns makes run creation answer with code.
func (s *Server) RejectRuns(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runStatus = code
}

// OmitIDs makes creation responses leave out data.id.
func (s *Server) OmitIDs(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitIDs = omit
}

// Uploads returns the protocol uploads in arrival order.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Runs returns copies of the created runs in creation order.
func (s *Server) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		c := *r
		c.Actions = append([]string(nil), r.Actions...)
		out = append(out, c)
	}
	return out
}

// Requests returns "METHOD /path" for every request received.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// MissingVersionHeader counts requests without the version header.
func (s *Server) MissingVersionHeader() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missingVersion
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	if r.Header.Get("Opentrons-Version") == "" {
		s.missingVersion++
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorType": "OutdatedAPIVersion"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		writeJSON(w, http.StatusOK, map[string]string{
			"name":        "fake-ot2",
			"robot_model": "OT-2 Standard",
			"api_version": "7.0.0",
			"fw_version":  "v1.1.0",
		})
	case r.Method == http.MethodPost && r.URL.Path == "/protocols":
		s.uploadProtocol(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/runs":
		s.createRun(w, r)
	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "runs" && parts[2] == "actions":
		s.runAction(w, r, parts[1])
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "runs":
		s.getRun(w, parts[1])
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"errorType": "NotFound"})
	}
}

func (s *Server) uploadProtocol(w http.ResponseWriter, r *http.Request) {
	if s.uploadStatus != 0 {
		writeJSON(w, s.uploadStatus, map[string]string{"errorType": "ProtocolRejected"})
		return
	}
	file, header, err := r.FormFile("files")
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	defer file.Close()
	content, _ := io.ReadAll(file)
	id := fmt.Sprintf("protocol-%d", len(s.uploads)+1)
	s.uploads = append(s.uploads, Upload{ProtocolID: id, Filename: header.Filename, Content: string(content)})
	s.writeCreated(w, id)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	if s.runStatus != 0 {
		writeJSON(w, s.runStatus, map[string]string{"errorType": "RunRejected"})
		return
	}
	var body struct {
		Data struct {
			ProtocolID             string                 `json:"protocolId"`
			RunTimeParameterValues map[string]interface{} `json:"runTimeParameterValues"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	id := fmt.Sprintf("run-%d", len(s.runs)+1)
	s.runs = append(s.runs, &Run{ID: id, ProtocolID: body.Data.ProtocolID, RuntimeParams: body.Data.RunTimeParameterValues})
	s.writeCreated(w, id)
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request, runID string) {
	rn, _ := s.findRun(runID)
	if rn == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"errorType": "RunNotFound"})
		return
	}
	var body struct {
		Data struct {
			ActionType string `json:"actionType"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	rn.Actions = append(rn.Actions, body.Data.ActionType)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data": map[string]string{"id": fmt.Sprintf("action-%d", len(rn.Actions)), "actionType": body.Data.ActionType},
	})
}

func (s *Server) getRun(w http.ResponseWriter, runID string) {
	rn, idx := s.findRun(runID)
	if rn == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"errorType": "RunNotFound"})
		return
	}
	script := s.scripts[idx]
	if len(script) == 0 {
		script = []string{"running", "succeeded"}
	}
	pos := rn.Polls
	if pos >= len(script) {
		pos = len(script) - 1
	}
	rn.Polls++
	data := map[string]interface{}{"id": rn.ID, "status": script[pos], "errors": []interface{}{}}
	if payload, ok := s.runErrors[idx]; ok {
		data["errors"] = payload
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

func (s *Server) findRun(runID string) (*Run, int) {
	for i, r := range s.runs {
		if r.ID == runID {
			return r, i
		}
	}
	return nil, -1
}

func (s *Server) writeCreated(w http.ResponseWriter, id string) {
	data := map[string]interface{}{"id": id}
	if s.omitIDs {
		delete(data, "id")
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"data": data})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
