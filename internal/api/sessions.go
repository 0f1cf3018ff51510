package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/apperr"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/session/manager"
	"github.com/agentgate/agentgate/internal/session/store"
)

func sessionID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Newf(apperr.KindValidation, "invalid session id %q", raw)
	}
	return id, nil
}

type sessionCreateRequest struct {
	Mode      string         `json:"mode"`
	ParentID  string         `json:"parent_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Model     string         `json:"model,omitempty"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var body sessionCreateRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	params := manager.CreateParams{
		Mode:      session.Mode(body.Mode),
		ProjectID: body.ProjectID,
		Model:     body.Model,
		Title:     body.Title,
		Metadata:  body.Metadata,
		Tags:      body.Tags,
	}
	if body.ParentID != "" {
		pid, err := uuid.Parse(body.ParentID)
		if err != nil {
			s.writeError(w, r, apperr.Newf(apperr.KindValidation, "invalid parent id %q", body.ParentID))
			return
		}
		params.ParentID = &pid
	}

	rec, err := s.sessions.Create(r.Context(), caller(r.Context()), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.sessions.Get(r.Context(), caller(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type sessionUpdateRequest struct {
	Title     *string        `json:"title,omitempty"`
	Model     *string        `json:"model,omitempty"`
	ProjectID *string        `json:"project_id,omitempty"`
	Status    *string        `json:"status,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleSessionUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body sessionUpdateRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	params := manager.UpdateParams{
		Title:     body.Title,
		Model:     body.Model,
		ProjectID: body.ProjectID,
		Metadata:  body.Metadata,
	}
	if body.Status != nil {
		st := session.Status(*body.Status)
		params.Status = &st
	}

	rec, err := s.sessions.Update(r.Context(), caller(r.Context()), id, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSessionTags(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.sessions.UpdateTags(r.Context(), caller(r.Context()), id, body.Tags)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSessionPromote(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body struct {
		ProjectID string `json:"project_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.sessions.Promote(r.Context(), caller(r.Context()), id, body.ProjectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.sessions.Delete(r.Context(), caller(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionListResponse struct {
	Sessions []*session.Session `json:"sessions"`
	Total    int                `json:"total"`
	Page     int                `json:"page"`
	Size     int                `json:"size"`
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.Filter{
		Mode:      session.Mode(q.Get("mode")),
		Status:    session.Status(q.Get("status")),
		ProjectID: q.Get("project_id"),
		Tag:       q.Get("tag"),
		Search:    q.Get("q"),
	}
	if raw := q.Get("metadata"); raw != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.KindValidation, "metadata filter must be a JSON object", err))
			return
		}
		f.Metadata = meta
	}

	page, err := intParam(q.Get("page"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	size, err := intParam(q.Get("size"), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.sessions.List(r.Context(), caller(r.Context()), f, page, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Sessions == nil {
		res.Sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessionListResponse{
		Sessions: res.Sessions,
		Total:    res.Total,
		Page:     res.Page,
		Size:     res.Size,
	})
}

func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.sessions.Transcript(r.Context(), caller(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []session.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Newf(apperr.KindValidation, "invalid integer %q", raw)
	}
	return n, nil
}
