// Package cache implements the volatile session accelerator on Redis.
//
// The cache is best-effort on both reads and writes: a cache failure is never
// an error for the caller. The one hard rule is self-healing: a cache entry
// that fails to deserialise is deleted and logged before the caller falls
// back to the durable store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/agentgate/agentgate/internal/apperr"
	"github.com/agentgate/agentgate/internal/fingerprint"
	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/metrics"
	"github.com/agentgate/agentgate/internal/session"
)

const (
	opTimeout = 2 * time.Second
	// sampleLimit bounds the corrupt-payload sample attached to heal logs.
	sampleLimit = 200
)

// SessionCache is a Redis-backed read-through cache for sessions plus the
// per-owner id index used to accelerate listings.
type SessionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// New connects to Redis and returns the cache. Connection failure is returned
// to the caller; the boot path decides whether that is fatal (distributed
// mode) or degraded (single-instance mode).
func New(cfg Config, logger zerolog.Logger) (*SessionCache, error) {
	client := newClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to Redis cache")

	return NewWithClient(client, cfg.TTL, logger), nil
}

// NewDegraded builds the cache without a connectivity check, for
// single-instance deployments that boot while the cache store is down.
// Every operation stays best-effort; the client reconnects on its own once
// the store returns.
func NewDegraded(cfg Config, logger zerolog.Logger) *SessionCache {
	return NewWithClient(newClient(cfg), cfg.TTL, logger)
}

func newClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *SessionCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionCache{client: client, ttl: ttl, logger: logger}
}

func sessionKey(id uuid.UUID) string {
	return "session:" + id.String()
}

func ownerKey(fp fingerprint.Fingerprint) string {
	return "owner:" + fp.Hex()
}

// Get returns the cached session if present and intact. A corrupted entry is
// deleted and logged with ERR_CACHE_PARSE_FAILED before reporting a miss.
func (c *SessionCache) Get(ctx context.Context, id uuid.UUID) (*session.Session, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := sessionKey(id)
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		metrics.IncCacheResult("miss")
		return nil, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldSessionID, id.String()).Msg("redis get failed")
		metrics.IncCacheResult("miss")
		return nil, false
	}

	var rec session.Session
	if err := json.Unmarshal(data, &rec); err != nil {
		// Fail-safe self-heal: drop the entry so the next read re-materialises
		// from the durable store.
		if delErr := c.client.Del(ctx, key).Err(); delErr != nil {
			c.logger.Warn().Err(delErr).Str(log.FieldSessionID, id.String()).Msg("failed to delete corrupt cache entry")
		}
		c.logger.Error().
			Err(err).
			Str(log.FieldErrorID, apperr.ErrIDCacheParseFailed).
			Str(log.FieldSessionID, id.String()).
			Str("data_sample", sample(data)).
			Msg("corrupt session cache entry deleted")
		metrics.IncCacheResult("healed")
		return nil, false
	}

	metrics.IncCacheResult("hit")
	return &rec, true
}

// Set stores the session and registers it in the owner index. Best-effort.
func (c *SessionCache) Set(ctx context.Context, rec *session.Session) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldSessionID, rec.ID.String()).Msg("session cache marshal failed")
		return
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, sessionKey(rec.ID), data, c.ttl)
	if !rec.Owner.IsZero() {
		pipe.SAdd(ctx, ownerKey(rec.Owner), rec.ID.String())
		pipe.Expire(ctx, ownerKey(rec.Owner), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldSessionID, rec.ID.String()).Msg("redis set failed")
	}
}

// Delete removes the session entry and its owner-index membership.
// Idempotent with respect to missing entries.
func (c *SessionCache) Delete(ctx context.Context, id uuid.UUID, owner fingerprint.Fingerprint) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := c.client.Pipeline()
	pipe.Del(ctx, sessionKey(id))
	if !owner.IsZero() {
		pipe.SRem(ctx, ownerKey(owner), id.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldSessionID, id.String()).Msg("redis delete failed")
	}
}

// OwnerIndex returns the cached session ids for an owner. Absence of the set
// is a miss, not an empty listing.
func (c *SessionCache) OwnerIndex(ctx context.Context, owner fingerprint.Fingerprint) ([]uuid.UUID, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	members, err := c.client.SMembers(ctx, ownerKey(owner)).Result()
	if err != nil || len(members) == 0 {
		return nil, false
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, true
}

// HealthCheck reports whether Redis is reachable.
func (c *SessionCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Client exposes the underlying client for the lock subsystem, which shares
// the connection pool.
func (c *SessionCache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection pool.
func (c *SessionCache) Close() error {
	return c.client.Close()
}

func sample(data []byte) string {
	if len(data) > sampleLimit {
		data = data[:sampleLimit]
	}
	return string(data)
}
