package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		ListenAddr:          ":8080",
		DatabasePath:        "test.db",
		CacheMode:           CacheModeSingleInstance,
		SessionTTL:          time.Hour,
		LockTTL:             30 * time.Second,
		LockMaxWait:         15 * time.Second,
		LockInitialBackoff:  10 * time.Millisecond,
		LockBackoffCap:      time.Second,
		RequestTimeout:      120 * time.Second,
		EventChanDepth:      256,
		PersistGrace:        5 * time.Second,
		MemoryInjectTimeout: 3 * time.Second,
		MemoryEnabled:       false,
	}
}

func TestValidateOK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad cache mode", func(c *Config) { c.CacheMode = "multi" }},
		{"empty db path", func(c *Config) { c.DatabasePath = "" }},
		{"zero channel depth", func(c *Config) { c.EventChanDepth = 0 }},
		{"zero lock ttl", func(c *Config) { c.LockTTL = 0 }},
		{"inverted backoff", func(c *Config) { c.LockBackoffCap = time.Millisecond }},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"memory enabled without url", func(c *Config) { c.MemoryEnabled = true; c.MemoryURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("AGENTGATE_MEMORY_ENABLED", "false")
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, CacheModeSingleInstance, cfg.CacheMode)
	assert.Equal(t, 256, cfg.EventChanDepth)
	assert.Equal(t, 120*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("AGENTGATE_CACHE_MODE", "distributed")
	t.Setenv("AGENTGATE_LOCK_MAX_WAIT", "5s")
	t.Setenv("AGENTGATE_MEMORY_ENABLED", "true")
	t.Setenv("AGENTGATE_MEMORY_URL", "http://memory.internal:8000")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, CacheModeDistributed, cfg.CacheMode)
	assert.Equal(t, 5*time.Second, cfg.LockMaxWait)
	assert.True(t, cfg.MemoryEnabled)
	assert.Equal(t, "http://memory.internal:8000", cfg.MemoryURL)
}
