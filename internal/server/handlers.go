package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/orbitfleet/orchestra/internal/model"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(s.openAPISpec)
}

func (s *Server) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	if s.slackGW == nil {
		http.NotFound(w, r)
		return
	}
	s.slackGW.ServeHTTP(w, r)
}

type submitRequest struct {
	AgentName      string         `json:"agent_name"`
	Payload        map[string]any `json:"payload"`
	Priority       *int           `json:"priority,omitempty"`
	TimeoutSeconds *int           `json:"timeout_seconds,omitempty"`
}

type submitResponse struct {
	ExecutionID string `json:"execution_id"`
	TraceID     string `json:"trace_id"`
	Status      string `json:"status"`
}

// handleSubmit implements spec.md §6's operator submission contract:
// POST {agent_name, payload, priority?, timeout_seconds?} ->
// {execution_id, trace_id, status: QUEUED}.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}
	if req.AgentName == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "agent_name is required")
		return
	}

	traceID := model.NewTraceID()
	executionID, err := s.orch.Submit(r.Context(), req.AgentName, req.Payload, traceID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "submit_failed", err.Error())
		return
	}

	writeJSON(w, r, http.StatusAccepted, submitResponse{
		ExecutionID: executionID.String(),
		TraceID:     traceID.String(),
		Status:      string(model.ExecQueued),
	})
}

type cancelResponse struct {
	Cancelled      bool   `json:"cancelled"`
	PreviousStatus string `json:"previous_status"`
}

// handleCancel implements spec.md §6's cancel contract: {execution_id} ->
// {cancelled, previous_status}. The prior status is read before Cancel
// mutates the record, since Cancel itself only reports success or failure.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionID, err := uuid.Parse(r.PathValue("execution_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid execution_id")
		return
	}

	rec, err := s.store.GetExecution(r.Context(), executionID.String())
	if err != nil {
		writeError(w, r, http.StatusNotFound, "not_found", "execution not found")
		return
	}
	previousStatus := rec.Status

	if previousStatus.IsTerminal() {
		writeJSON(w, r, http.StatusOK, cancelResponse{Cancelled: false, PreviousStatus: string(previousStatus)})
		return
	}

	if err := s.orch.Cancel(r.Context(), executionID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "cancel_failed", err.Error())
		return
	}

	writeJSON(w, r, http.StatusOK, cancelResponse{Cancelled: true, PreviousStatus: string(previousStatus)})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID, err := uuid.Parse(r.PathValue("execution_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid execution_id")
		return
	}

	rec, err := s.store.GetExecution(r.Context(), executionID.String())
	if err != nil {
		writeError(w, r, http.StatusNotFound, "not_found", "execution not found")
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}
