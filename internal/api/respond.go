package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/gantry/internal/engine"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
	maxSpecSize      = 8 << 20
)

type errorResponse struct {
	Error string      `json:"error"`
	Kind  engine.Kind `json:"kind"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, kind engine.Kind, message string) {
	s.writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}

// writeEngineError reports a controller error with the status of its kind.
// Gateway errors carry their cause so callers see what the dependency
// said; internal causes are only logged.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := engine.KindOf(err)
	status := kind.HTTPStatus()

	msg := "internal error"
	var e *engine.Error
	if errors.As(err, &e) {
		msg = e.Msg
		if kind == engine.KindGateway && e.Err != nil {
			msg += ": " + e.Err.Error()
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"kind", string(kind),
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	s.writeError(w, status, kind, msg)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
