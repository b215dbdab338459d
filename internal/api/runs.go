package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/gantry/internal/engine"
	"github.com/seantiz/gantry/internal/model"
)

// listRunsResponse is the JSON response for GET /v1/workflows/{id}/runs.
type listRunsResponse struct {
	Runs []*model.Run `json:"runs"`
}

// archiveRequest is the JSON body for POST .../artifacts.
type archiveRequest struct {
	Step     string `json:"step"`
	Artifact string `json:"artifact"`
}

// artifactURLResponse carries a retrieval URL; URL is null when the run
// has no archived artifact.
type artifactURLResponse struct {
	URL *string `json:"url"`
	TTL int     `json:"ttl_seconds"`
}

// handleRunWorkflow submits a READY workflow. The optional JSON object body
// holds the pipeline parameters.
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, engine.KindValidation, "could not read body")
		return
	}
	var params map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &params); err != nil {
			s.writeError(w, http.StatusBadRequest, engine.KindValidation, "parameters must be a JSON object")
			return
		}
	}

	run, err := s.runs.Submit(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"), params)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	s.writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.ReconcileAndGet(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleArchiveArtifact(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, engine.KindValidation, "invalid JSON body")
		return
	}

	res, err := s.runs.Archive(r.Context(), principalFrom(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "runID"), req.Step, req.Artifact)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

// handleArtifactURL returns a retrieval URL for the run's archived
// artifact. The ttl query parameter is in seconds.
func (s *Server) handleArtifactURL(w http.ResponseWriter, r *http.Request) {
	var ttl time.Duration
	if v := r.URL.Query().Get("ttl"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			s.writeError(w, http.StatusBadRequest, engine.KindValidation, "ttl must be a positive number of seconds")
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	u, err := s.runs.RetrievalURL(r.Context(), principalFrom(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "runID"), ttl)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	if ttl == 0 {
		ttl = engine.DefaultRetrievalTTL
	}
	resp := artifactURLResponse{TTL: int(ttl.Seconds())}
	if u != "" {
		resp.URL = &u
	}
	s.writeJSON(w, http.StatusOK, resp)
}
