// Package lock provides the per-session mutual exclusion token backed by the
// cache store's set-if-absent primitive.
//
// One token may exist per session id at a time. Holders are identified by a
// random id so a release can never drop someone else's lock.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/agentgate/agentgate/internal/apperr"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/metrics"
)

// releaseScript deletes the lock only when the holder id still matches.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Token proves ownership of a session lock.
type Token struct {
	SessionID uuid.UUID
	HolderID  string
	ExpiresAt time.Time
	// Lockless marks a token issued without coordination because the cache
	// was unreachable in single-instance mode.
	Lockless bool
}

// Config tunes acquisition behaviour. Zero values fall back to the defaults
// below.
type Config struct {
	TTL            time.Duration
	MaxWait        time.Duration
	InitialBackoff time.Duration
	BackoffCap     time.Duration
	Mode           config.CacheMode
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 15 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 10 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Second
	}
	if c.Mode == "" {
		c.Mode = config.CacheModeSingleInstance
	}
	return c
}

// Locker acquires and releases session locks.
type Locker struct {
	client *redis.Client
	cfg    Config
	logger zerolog.Logger
}

// New constructs a Locker sharing the cache store's client pool.
func New(client *redis.Client, cfg Config, logger zerolog.Logger) *Locker {
	return &Locker{client: client, cfg: cfg.withDefaults(), logger: logger}
}

func lockKey(id uuid.UUID) string {
	return "lock:session:" + id.String()
}

func newHolderID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Acquire obtains the session lock, backing off with exponential delay and
// bounded jitter while it is held. Exceeding the wait budget yields LOCKED.
//
// When the cache store is unreachable the behaviour is policy-dependent:
// single-instance proceeds locklessly (logged), distributed yields UNAVAILABLE.
func (l *Locker) Acquire(ctx context.Context, id uuid.UUID) (*Token, error) {
	start := time.Now()
	defer func() { metrics.LockAcquireDuration.Observe(time.Since(start).Seconds()) }()

	holder := newHolderID()
	key := lockKey(id)
	deadline := start.Add(l.cfg.MaxWait)
	backoff := l.cfg.InitialBackoff
	contended := false

	for {
		ok, err := l.client.SetNX(ctx, key, holder, l.cfg.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperr.Wrap(apperr.KindUnavailable, "lock acquisition cancelled", ctx.Err())
			}
			if l.cfg.Mode == config.CacheModeDistributed {
				l.logger.Error().Err(err).
					Str(log.FieldSessionID, id.String()).
					Str(log.FieldErrorID, apperr.ErrIDLockUnavailable).
					Msg("cache store unreachable, refusing lockless mutation in distributed mode")
				return nil, apperr.Wrap(apperr.KindUnavailable, "session lock unavailable", err).
					WithErrID(apperr.ErrIDLockUnavailable)
			}
			l.logger.Warn().Err(err).
				Str(log.FieldSessionID, id.String()).
				Msg("cache store unreachable, proceeding without session lock")
			return &Token{SessionID: id, Lockless: true}, nil
		}
		if ok {
			return &Token{
				SessionID: id,
				HolderID:  holder,
				ExpiresAt: time.Now().Add(l.cfg.TTL),
			}, nil
		}

		if !contended {
			contended = true
			metrics.LockContentionTotal.Inc()
		}

		delay := backoff + jitter(backoff)
		if time.Now().Add(delay).After(deadline) {
			return nil, apperr.New(apperr.KindLocked, "session is locked by another operation")
		}

		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindUnavailable, "lock acquisition cancelled", ctx.Err())
		case <-time.After(delay):
		}

		backoff *= 2
		if backoff > l.cfg.BackoffCap {
			backoff = l.cfg.BackoffCap
		}
	}
}

// Release frees the lock if tok still holds it. Releasing a lockless or
// already-expired token is a no-op.
func (l *Locker) Release(ctx context.Context, tok *Token) {
	if tok == nil || tok.Lockless {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, l.client, []string{lockKey(tok.SessionID)}, tok.HolderID).Err(); err != nil {
		l.logger.Warn().Err(err).
			Str(log.FieldSessionID, tok.SessionID.String()).
			Str(log.FieldHolderID, tok.HolderID).
			Msg("session lock release failed, TTL will reclaim it")
	}
}

// jitter returns an additive delay in [0, d/2).
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	n := binary.BigEndian.Uint64(b[:])
	return time.Duration(n % uint64(d/2))
}
