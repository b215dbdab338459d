package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/gantry/internal/engine"
	"github.com/seantiz/gantry/internal/model"
	"github.com/seantiz/gantry/internal/pipeline"
)

const headerWorkflowStatus = "X-Workflow-Status"

// generateRequest is the JSON body for POST /v1/workflows/generate.
type generateRequest struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// workflowResponse is a workflow plus, once READY, its display spec.
type workflowResponse struct {
	*model.Workflow
	DisplaySpec *pipeline.DisplaySpec `json:"display_spec,omitempty"`
}

// listWorkflowsResponse wraps the paginated list response.
type listWorkflowsResponse struct {
	Workflows []*model.Workflow `json:"workflows"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

func (s *Server) handleGenerateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, engine.KindValidation, "invalid JSON body")
		return
	}

	wf, err := s.workflows.Generate(r.Context(), principalFrom(r.Context()), req.Name, req.Prompt)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	status := http.StatusCreated
	if wf.Status == model.WorkflowPending {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, workflowResponse{Workflow: wf})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, spec, err := s.workflows.Describe(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workflowResponse{Workflow: wf, DisplaySpec: spec})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	workflows, total, err := s.workflows.List(r.Context(), principalFrom(r.Context()), limit, offset)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if workflows == nil {
		workflows = []*model.Workflow{}
	}

	s.writeJSON(w, http.StatusOK, listWorkflowsResponse{
		Workflows: workflows,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

// handleWebhook receives asynchronous composer results. The status comes
// from the X-Workflow-Status header or the status query parameter.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	status := r.Header.Get(headerWorkflowStatus)
	if status == "" {
		status = r.URL.Query().Get("status")
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpecSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, engine.KindValidation, "document too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, engine.KindValidation, "could not read body")
		return
	}

	wf, err := s.workflows.HandleCallback(r.Context(), chi.URLParam(r, "token"), status, r.Header.Get("Content-Type"), body)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": wf.ID, "status": wf.Status})
}
