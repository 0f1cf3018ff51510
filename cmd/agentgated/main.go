// Command agentgated serves the agent query orchestration API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentgate/agentgate/internal/api"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/memory"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/runtime"
	"github.com/agentgate/agentgate/internal/session/cache"
	"github.com/agentgate/agentgate/internal/session/lock"
	"github.com/agentgate/agentgate/internal/session/manager"
	"github.com/agentgate/agentgate/internal/session/store"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("agentgated %s\n", version)
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentgated: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "agentgate"})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("daemon")

	st, err := store.NewSqliteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info().Str("path", cfg.DatabasePath).Msg("session store ready")

	sessionCache, err := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.SessionTTL,
	}, log.WithComponent("cache"))
	if err != nil {
		// Distributed deployments need the cache for session locking.
		// A single instance can serve degraded from the durable store.
		if cfg.CacheMode == config.CacheModeDistributed {
			return fmt.Errorf("cache required in distributed mode: %w", err)
		}
		logger.Warn().Err(err).Msg("cache unreachable, continuing degraded")
		sessionCache = cache.NewDegraded(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.SessionTTL,
		}, log.WithComponent("cache"))
	}
	defer func() { _ = sessionCache.Close() }()

	locker := lock.New(sessionCache.Client(), lock.Config{
		TTL:            cfg.LockTTL,
		MaxWait:        cfg.LockMaxWait,
		InitialBackoff: cfg.LockInitialBackoff,
		BackoffCap:     cfg.LockBackoffCap,
		Mode:           cfg.CacheMode,
	}, log.WithComponent("lock"))

	sessions := manager.New(st, sessionCache, locker, log.Base())

	var memAdapter *memory.Adapter
	if cfg.MemoryEnabled {
		memAdapter = memory.NewAdapter(memory.NewClient(cfg.MemoryURL, cfg.MemoryTimeout), log.Base())
		logger.Info().Str("url", cfg.MemoryURL).Msg("memory service configured")
	} else {
		logger.Info().Msg("memory service disabled")
	}

	var rt runtime.Runtime = runtime.Unconfigured{}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		rt = runtime.NewSDKRuntime(runtime.SDKConfig{
			Model:    cfg.RuntimeModel,
			MaxTurns: cfg.RuntimeMaxTurns,
		}, log.Base())
	} else {
		logger.Warn().Msg("ANTHROPIC_API_KEY unset, queries will fail with RUNTIME_UNAVAILABLE")
	}

	orch := orchestrator.New(sessions, memAdapter, rt, orchestrator.Config{
		EventDepth:          cfg.EventChanDepth,
		MemoryInjectTimeout: cfg.MemoryInjectTimeout,
		PersistGrace:        cfg.PersistGrace,
	}, log.Base())

	server := api.NewServer(sessions, orch, memAdapter, sessionCache, cfg, log.Base())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout stays above the request timeout so long-running SSE
		// streams are bounded by the pipeline, not the socket.
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
