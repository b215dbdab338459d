package api

import (
	"net/http"

	"github.com/seantiz/gantry/internal/engine"
)

// handleGetStats reports entity counts across all orgs. Only super admins
// may read them.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if !principalFrom(r.Context()).SuperAdmin {
		s.writeError(w, http.StatusForbidden, engine.KindAuthorization, "stats require the super admin role")
		return
	}

	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, engine.KindInternal, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}
