// Package config loads the immutable process configuration from the
// environment. Everything is resolved once at boot; there is no hot reload
// and no ambient mutable state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// CacheMode selects the dual-store consistency policy.
type CacheMode string

const (
	// CacheModeSingleInstance tolerates cache outages: mutations proceed
	// without a session lock (logged) and reads fall back to the durable store.
	CacheModeSingleInstance CacheMode = "single-instance"
	// CacheModeDistributed treats the cache as a coordination dependency:
	// lock-path cache failures surface as UNAVAILABLE.
	CacheModeDistributed CacheMode = "distributed"
)

// Config is the complete, validated process configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	// Durable store
	DatabasePath string

	// Cache store
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheMode     CacheMode
	SessionTTL    time.Duration

	// Session lock tuning
	LockTTL            time.Duration
	LockMaxWait        time.Duration
	LockInitialBackoff time.Duration
	LockBackoffCap     time.Duration

	// Query pipeline
	RequestTimeout      time.Duration
	EventChanDepth      int
	PersistGrace        time.Duration // post-cancellation persistence budget
	MemoryInjectTimeout time.Duration

	// Memory service
	MemoryURL     string
	MemoryTimeout time.Duration
	MemoryEnabled bool

	// Agent runtime
	RuntimeModel    string
	RuntimeMaxTurns int

	// HTTP ingress
	RateLimitRPM int
}

// FromEnv builds a Config from AGENTGATE_* environment variables with defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:          envStr("AGENTGATE_LISTEN", ":8080"),
		LogLevel:            envStr("AGENTGATE_LOG_LEVEL", "info"),
		DatabasePath:        envStr("AGENTGATE_DB_PATH", "agentgate.db"),
		RedisAddr:           envStr("AGENTGATE_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:       os.Getenv("AGENTGATE_REDIS_PASSWORD"),
		RedisDB:             envInt("AGENTGATE_REDIS_DB", 0),
		CacheMode:           CacheMode(envStr("AGENTGATE_CACHE_MODE", string(CacheModeSingleInstance))),
		SessionTTL:          envDur("AGENTGATE_SESSION_TTL", time.Hour),
		LockTTL:             envDur("AGENTGATE_LOCK_TTL", 30*time.Second),
		LockMaxWait:         envDur("AGENTGATE_LOCK_MAX_WAIT", 15*time.Second),
		LockInitialBackoff:  envDur("AGENTGATE_LOCK_BACKOFF", 10*time.Millisecond),
		LockBackoffCap:      envDur("AGENTGATE_LOCK_BACKOFF_CAP", time.Second),
		RequestTimeout:      envDur("AGENTGATE_REQUEST_TIMEOUT", 120*time.Second),
		EventChanDepth:      envInt("AGENTGATE_EVENT_CHAN_DEPTH", 256),
		PersistGrace:        envDur("AGENTGATE_PERSIST_GRACE", 5*time.Second),
		MemoryInjectTimeout: envDur("AGENTGATE_MEMORY_INJECT_TIMEOUT", 3*time.Second),
		MemoryURL:           os.Getenv("AGENTGATE_MEMORY_URL"),
		MemoryTimeout:       envDur("AGENTGATE_MEMORY_TIMEOUT", 10*time.Second),
		MemoryEnabled:       envBool("AGENTGATE_MEMORY_ENABLED", os.Getenv("AGENTGATE_MEMORY_URL") != ""),
		RuntimeModel:        envStr("AGENTGATE_RUNTIME_MODEL", ""),
		RuntimeMaxTurns:     envInt("AGENTGATE_RUNTIME_MAX_TURNS", 0),
		RateLimitRPM:        envInt("AGENTGATE_RATE_LIMIT_RPM", 600),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c Config) Validate() error {
	switch c.CacheMode {
	case CacheModeSingleInstance, CacheModeDistributed:
	default:
		return fmt.Errorf("config: invalid cache mode %q", c.CacheMode)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database path must not be empty")
	}
	if c.EventChanDepth < 1 {
		return fmt.Errorf("config: event channel depth must be positive, got %d", c.EventChanDepth)
	}
	if c.LockTTL <= 0 || c.LockMaxWait <= 0 {
		return fmt.Errorf("config: lock TTL and max wait must be positive")
	}
	if c.LockInitialBackoff <= 0 || c.LockBackoffCap < c.LockInitialBackoff {
		return fmt.Errorf("config: lock backoff window is inverted")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request timeout must be positive")
	}
	if c.MemoryEnabled && c.MemoryURL == "" {
		return fmt.Errorf("config: memory enabled but AGENTGATE_MEMORY_URL unset")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
