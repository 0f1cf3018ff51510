package api

import (
	"context"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/agentgate/agentgate/internal/apperr"
	"github.com/agentgate/agentgate/internal/fingerprint"
	"github.com/agentgate/agentgate/internal/log"
)

type ctxKey int

const callerKey ctxKey = iota

// caller returns the authenticated fingerprint stored by the auth middleware.
func caller(ctx context.Context) fingerprint.Fingerprint {
	fp, _ := ctx.Value(callerKey).(fingerprint.Fingerprint)
	return fp
}

// auth requires an X-API-Key header and hashes it exactly once per request.
// The plaintext key is never stored and never logged.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			s.writeError(w, r, apperr.New(apperr.KindUnauthenticated, "missing X-API-Key header"))
			return
		}
		fp := fingerprint.Sum([]byte(key))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, fp)))
	})
}

// requestLogger carries the request id into the logging context and emits one
// line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextWithRequestID(r.Context(), chimw.GetReqID(r.Context()))
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r.WithContext(ctx))

		logger := log.WithContext(ctx, s.logger)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// recoverer converts handler panics into the uniform error envelope.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := log.WithContext(r.Context(), s.logger)
				logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				s.writeError(w, r, apperr.New(apperr.KindInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
