// Package api exposes the query and session surface over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/memory"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/session/cache"
	"github.com/agentgate/agentgate/internal/session/manager"
)

// Server holds the handler dependencies. The memory adapter may be nil when
// the memory service is disabled.
type Server struct {
	sessions *manager.Manager
	orch     *orchestrator.Orchestrator
	memory   *memory.Adapter
	cache    *cache.SessionCache
	cfg      config.Config
	logger   zerolog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(sessions *manager.Manager, orch *orchestrator.Orchestrator, mem *memory.Adapter, c *cache.SessionCache, cfg config.Config, logger zerolog.Logger) *Server {
	return &Server{
		sessions: sessions,
		orch:     orch,
		memory:   mem,
		cache:    c,
		cfg:      cfg,
		logger:   logger.With().Str(log.FieldComponent, "api").Logger(),
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	if s.cfg.RateLimitRPM > 0 {
		r.Use(httprate.Limit(s.cfg.RateLimitRPM, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth)

		r.Post("/query/single", s.handleQuerySingle)
		r.Post("/query/stream", s.handleQueryStream)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleSessionList)
			r.Post("/", s.handleSessionCreate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleSessionGet)
				r.Patch("/", s.handleSessionUpdate)
				r.Delete("/", s.handleSessionDelete)
				r.Patch("/tags", s.handleSessionTags)
				r.Post("/promote", s.handleSessionPromote)
				r.Get("/transcript", s.handleSessionTranscript)
			})
		})

		r.Route("/memories", func(r chi.Router) {
			r.Get("/", s.handleMemorySearch)
			r.Delete("/{id}", s.handleMemoryDelete)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if err := s.cache.HealthCheck(r.Context()); err != nil {
		// Cache down is degraded, not dead, in single-instance mode.
		if s.cfg.CacheMode == config.CacheModeDistributed {
			status["status"] = "unavailable"
			status["cache"] = "down"
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["cache"] = "down"
	}
	writeJSON(w, http.StatusOK, status)
}
