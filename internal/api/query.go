package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/apperr"
	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/session"
)

// queryRequest is the body shared by both query endpoints.
type queryRequest struct {
	Prompt         string `json:"prompt"`
	SessionID      string `json:"session_id,omitempty"`
	Mode           string `json:"mode,omitempty"`
	Model          string `json:"model,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	MaxTurns       int    `json:"max_turns,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	EnableGraph    bool   `json:"enable_graph,omitempty"`
}

func (q *queryRequest) toOrchestrator() (orchestrator.Request, error) {
	req := orchestrator.Request{
		Prompt:         q.Prompt,
		Mode:           session.Mode(q.Mode),
		Model:          q.Model,
		SystemPrompt:   q.SystemPrompt,
		PermissionMode: q.PermissionMode,
		MaxTurns:       q.MaxTurns,
		ProjectID:      q.ProjectID,
		EnableGraph:    q.EnableGraph,
	}
	if q.SessionID != "" {
		id, err := uuid.Parse(q.SessionID)
		if err != nil {
			return req, apperr.Newf(apperr.KindValidation, "invalid session id %q", q.SessionID)
		}
		req.SessionID = &id
	}
	return req, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed request body", err)
	}
	return nil
}

func (s *Server) handleQuerySingle(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.toOrchestrator()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.orch.Single(ctx, caller(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleQueryStream delivers the run as server-sent events. Each frame is an
// `event:` line naming the kind plus a `data:` JSON payload, flushed
// immediately. The orchestrator guarantees a terminal done event.
func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := body.toOrchestrator()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, apperr.New(apperr.KindInternal, "streaming unsupported by connection"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	events, err := s.orch.Stream(ctx, caller(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			logger := log.WithContext(r.Context(), s.logger)
			logger.Error().Err(err).
				Str(log.FieldEventKind, string(ev.Kind)).
				Msg("event marshal failed")
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
		flusher.Flush()
	}
}
