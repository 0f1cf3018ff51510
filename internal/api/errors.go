package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentgate/agentgate/internal/apperr"
	"github.com/agentgate/agentgate/internal/log"
)

// errorBody is the uniform error envelope. Raw downstream messages never
// appear here; only the stable vocabulary does.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	ErrorID string         `json:"error_id,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps any error onto the envelope. Unclassified errors become
// INTERNAL with a generic message; the cause goes to the log only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		logger := log.WithContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("unclassified handler error")
		ae = apperr.New(apperr.KindInternal, "internal error")
	}

	if ae.Kind.HTTPStatus() >= 500 {
		logger := log.WithContext(r.Context(), s.logger)
		logger.Error().Err(err).
			Str("code", string(ae.Kind)).
			Msg("request failed")
	}

	writeJSON(w, ae.Kind.HTTPStatus(), errorEnvelope{Error: errorBody{
		Code:    string(ae.Kind),
		Message: ae.Message,
		Details: ae.Details,
		ErrorID: ae.ErrID,
	}})
}
