package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agentgate/agentgate/internal/apperr"
	"github.com/agentgate/agentgate/internal/memory"
)

// handleMemorySearch lists the caller's memories matching ?q, up to ?limit.
func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.writeError(w, r, apperr.New(apperr.KindUnavailable, "memory service is disabled"))
		return
	}

	q := r.URL.Query()
	limit := 10
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			s.writeError(w, r, apperr.Newf(apperr.KindValidation, "limit must be in [1, 100], got %q", raw))
			return
		}
		limit = n
	}

	recs, err := s.memory.Search(r.Context(), caller(r.Context()), q.Get("q"), limit, false)
	if err != nil {
		if memory.IsTransient(err) {
			err = apperr.Wrap(apperr.KindUnavailable, "memory service unavailable", err)
		}
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []memory.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": recs})
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.writeError(w, r, apperr.New(apperr.KindUnavailable, "memory service is disabled"))
		return
	}

	if err := s.memory.Delete(r.Context(), caller(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
