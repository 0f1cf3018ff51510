// Package manager coordinates session lifecycle across the durable store, the
// volatile cache and the per-session lock.
//
// Every read goes through one ownership gate and every mutation follows one
// shape: acquire the lock, re-read current state, gate, mutate, persist, then
// refresh the cache. The cache is never authoritative.
package manager

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/agentgate/agentgate/internal/apperr"
	"github.com/agentgate/agentgate/internal/fingerprint"
	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/metrics"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/session/cache"
	"github.com/agentgate/agentgate/internal/session/lock"
	"github.com/agentgate/agentgate/internal/session/store"
)

// Pagination bounds. Out-of-range values are rejected, not clamped.
const (
	DefaultPage     = 1
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Manager is the session service facade used by the HTTP surface and the
// query orchestrator.
type Manager struct {
	store  store.Store
	cache  *cache.SessionCache
	locker *lock.Locker
	logger zerolog.Logger
	now    func() time.Time
}

// New wires the manager. All three collaborators are required.
func New(st store.Store, c *cache.SessionCache, l *lock.Locker, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  st,
		cache:  c,
		locker: l,
		logger: logger.With().Str(log.FieldComponent, "session-manager").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateParams describes a new session. ID is optional; when zero a fresh
// uuid is assigned.
type CreateParams struct {
	ID        uuid.UUID
	Mode      session.Mode
	ParentID  *uuid.UUID
	ProjectID string
	Model     string
	Title     string
	Metadata  map[string]any
	Tags      []string
}

// UpdateParams carries the mutable session fields. Nil pointers leave the
// field untouched; a non-nil Metadata replaces the whole map.
type UpdateParams struct {
	Title     *string
	Model     *string
	ProjectID *string
	Status    *session.Status
	Metadata  map[string]any
}

// ListResult is one page of an owner's sessions plus the unpaginated total.
type ListResult struct {
	Sessions []*session.Session
	Total    int
	Page     int
	Size     int
}

// Create inserts a new active session owned by caller.
func (m *Manager) Create(ctx context.Context, caller fingerprint.Fingerprint, p CreateParams) (*session.Session, error) {
	defer m.observe("create")()

	if !p.Mode.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "invalid mode %q", p.Mode)
	}

	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := m.now()
	rec := &session.Session{
		ID:        id,
		Mode:      p.Mode,
		Status:    session.StatusActive,
		Owner:     caller,
		ParentID:  p.ParentID,
		ProjectID: p.ProjectID,
		Model:     p.Model,
		Title:     p.Title,
		Metadata:  p.Metadata,
		Tags:      p.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rec.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid session", err)
	}

	if err := m.store.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Newf(apperr.KindAlreadyExists, "session %s already exists", id)
		}
		return nil, m.storeErr(err)
	}

	m.cache.Set(ctx, rec)
	m.logger.Info().
		Str(log.FieldSessionID, rec.ID.String()).
		Str(log.FieldMode, string(rec.Mode)).
		Msg("session created")
	return rec, nil
}

// Get returns the caller's session. Reads go through the cache; a miss falls
// back to the durable store and repopulates the cache. A session owned by
// someone else is reported as absent.
func (m *Manager) Get(ctx context.Context, caller fingerprint.Fingerprint, id uuid.UUID) (*session.Session, error) {
	defer m.observe("get")()

	if rec, ok := m.cache.Get(ctx, id); ok {
		if err := ownerGate(rec, caller); err != nil {
			return nil, err
		}
		return rec, nil
	}

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, m.storeErr(err)
	}
	if err := ownerGate(rec, caller); err != nil {
		return nil, err
	}

	m.cache.Set(ctx, rec)
	return rec, nil
}

// Update applies the requested field changes under the session lock.
func (m *Manager) Update(ctx context.Context, caller fingerprint.Fingerprint, id uuid.UUID, p UpdateParams) (*session.Session, error) {
	defer m.observe("update")()

	if p.Status != nil && !p.Status.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "invalid status %q", *p.Status)
	}

	return m.mutate(ctx, caller, id, func(cur *session.Session) error {
		if p.Status != nil && *p.Status != cur.Status {
			if !cur.Status.CanTransition(*p.Status) {
				return apperr.Newf(apperr.KindValidation, "cannot transition %s to %s", cur.Status, *p.Status)
			}
			cur.Status = *p.Status
		}
		if p.Title != nil {
			cur.Title = *p.Title
		}
		if p.Model != nil {
			cur.Model = *p.Model
		}
		if p.ProjectID != nil {
			cur.ProjectID = *p.ProjectID
		}
		if p.Metadata != nil {
			cur.Metadata = p.Metadata
		}
		return nil
	})
}

// UpdateTags replaces the session's tag set under the session lock.
func (m *Manager) UpdateTags(ctx context.Context, caller fingerprint.Fingerprint, id uuid.UUID, tags []string) (*session.Session, error) {
	defer m.observe("update_tags")()

	seen := make(map[string]struct{}, len(tags))
	deduped := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			return nil, apperr.New(apperr.KindValidation, "empty tag")
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		deduped = append(deduped, tag)
	}

	return m.mutate(ctx, caller, id, func(cur *session.Session) error {
		cur.Tags = deduped
		return nil
	})
}

// Promote attaches the caller's session to a project, through the same
// lock/ownership/mutator path as Update. Assigning the project the session
// already carries is a no-op success.
func (m *Manager) Promote(ctx context.Context, caller fingerprint.Fingerprint, id uuid.UUID, projectID string) (*session.Session, error) {
	defer m.observe("promote")()

	if projectID == "" {
		return nil, apperr.New(apperr.KindValidation, "project id must not be empty")
	}

	return m.mutate(ctx, caller, id, func(cur *session.Session) error {
		cur.ProjectID = projectID
		return nil
	})
}

// Delete removes the session, its transcript and its cache entries under the
// session lock. Terminal sessions may be deleted.
func (m *Manager) Delete(ctx context.Context, caller fingerprint.Fingerprint, id uuid.UUID) error {
	defer m.observe("delete")()

	tok, err := m.locker.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer m.locker.Release(ctx, tok)

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return m.storeErr(err)
	}
	if err := ownerGate(rec, caller); err != nil {
		return err
	}

	existed, err := m.store.Delete(ctx, id)
	if err != nil {
		return m.storeErr(err)
	}
	if !existed {
		return notFound()
	}

	m.cache.Delete(ctx, id, rec.Owner)
	m.logger.Info().Str(log.FieldSessionID, id.String()).Msg("session deleted")
	return nil
}

// List returns one page of the caller's sessions. Page and size outside their
// bounds are rejected; zero values take the defaults.
func (m *Manager) List(ctx context.Context, caller fingerprint.Fingerprint, f store.Filter, page, size int) (*ListResult, error) {
	defer m.observe("list")()

	p, err := normalizePage(page, size)
	if err != nil {
		return nil, err
	}
	if f.Mode != "" && !f.Mode.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "invalid mode %q", f.Mode)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "invalid status %q", f.Status)
	}

	recs, total, err := m.store.List(ctx, caller, f, p)
	if err != nil {
		return nil, m.storeErr(err)
	}
	return &ListResult{Sessions: recs, Total: total, Page: p.Number, Size: p.Size}, nil
}

// Transcript returns the caller's session transcript in seq order.
func (m *Manager) Transcript(ctx context.Context, caller fingerprint.Fingerprint, id uuid.UUID) ([]session.TranscriptEntry, error) {
	defer m.observe("transcript")()

	if _, err := m.Get(ctx, caller, id); err != nil {
		return nil, err
	}
	entries, err := m.store.Transcript(ctx, id)
	if err != nil {
		return nil, m.storeErr(err)
	}
	return entries, nil
}

// RunDelta is one query run's contribution to a session. It is folded into
// the freshly read record under the session lock, so mutations that landed
// while the agent was running are kept rather than overwritten by a pre-run
// snapshot.
type RunDelta struct {
	Turns    uint32
	Cost     decimal.Decimal
	Failed   bool           // marks the session status error
	Model    string         // adopted when the session has no model yet
	Metadata map[string]any // merged key by key
}

// CommitResult persists one run's outcome and its new transcript entries in
// one transaction, under the session lock. rec seeds the record when the
// session does not exist yet; otherwise the delta is applied to the current
// state read under the lock. A terminal existing record rejects the commit.
// Returns the committed record.
func (m *Manager) CommitResult(ctx context.Context, rec *session.Session, delta RunDelta, entries []session.TranscriptEntry) (*session.Session, error) {
	defer m.observe("commit_result")()

	tok, err := m.locker.Acquire(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	defer m.locker.Release(ctx, tok)

	cur, err := m.store.Get(ctx, rec.ID)
	if err != nil {
		return nil, m.storeErr(err)
	}
	if cur != nil && cur.Status.Terminal() {
		return nil, apperr.Newf(apperr.KindTerminal, "session %s is %s", rec.ID, cur.Status)
	}

	base := rec.Clone()
	if cur != nil {
		base = cur
	}
	base.TotalTurns += delta.Turns
	base.TotalCost = base.TotalCost.Add(delta.Cost)
	if delta.Failed {
		base.Status = session.StatusError
	}
	if base.Model == "" {
		base.Model = delta.Model
	}
	if len(delta.Metadata) > 0 {
		if base.Metadata == nil {
			base.Metadata = make(map[string]any, len(delta.Metadata))
		}
		for k, v := range delta.Metadata {
			base.Metadata[k] = v
		}
	}
	now := m.now()
	base.UpdatedAt = now
	base.LastMessageAt = &now

	if err := base.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "invalid session state", err).
			WithErrID(apperr.ErrIDPersistFailed)
	}

	if err := m.store.UpsertWithTranscript(ctx, base, entries); err != nil {
		m.logger.Error().Err(err).
			Str(log.FieldSessionID, rec.ID.String()).
			Str(log.FieldErrorID, apperr.ErrIDPersistFailed).
			Msg("result persistence failed")
		kind, msg := apperr.KindInternal, "failed to persist query result"
		if errors.Is(err, store.ErrUnavailable) {
			kind, msg = apperr.KindUnavailable, "session store unavailable"
		}
		return nil, apperr.Wrap(kind, msg, err).WithErrID(apperr.ErrIDPersistFailed)
	}

	m.cache.Set(ctx, base)
	return base, nil
}

// mutate is the shared lock-and-update path for field mutations. The mutator
// runs inside the store transaction against freshly read state; ownership and
// terminal gating happen there so no stale pre-read can bypass them.
func (m *Manager) mutate(ctx context.Context, caller fingerprint.Fingerprint, id uuid.UUID, fn func(*session.Session) error) (*session.Session, error) {
	tok, err := m.locker.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer m.locker.Release(ctx, tok)

	now := m.now()
	updated, err := m.store.Update(ctx, id, func(cur *session.Session) error {
		if err := ownerGate(cur, caller); err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return apperr.Newf(apperr.KindTerminal, "session %s is %s", id, cur.Status)
		}
		if err := fn(cur); err != nil {
			return err
		}
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, m.mutateErr(err)
	}
	if updated == nil {
		return nil, notFound()
	}

	m.cache.Set(ctx, updated)
	return updated, nil
}

// ownerGate is the single ownership decision point. A record owned by a
// different caller is indistinguishable from an absent one, so the id space
// leaks nothing across tenants. Public records pass for every caller.
func ownerGate(rec *session.Session, caller fingerprint.Fingerprint) error {
	if rec == nil {
		return notFound()
	}
	if rec.Public() || fingerprint.Equal(rec.Owner, caller) {
		return nil
	}
	return notFound()
}

func notFound() error {
	return apperr.New(apperr.KindNotFound, "session not found")
}

func normalizePage(page, size int) (store.Page, error) {
	if page == 0 {
		page = DefaultPage
	}
	if size == 0 {
		size = DefaultPageSize
	}
	if page < 1 {
		return store.Page{}, apperr.Newf(apperr.KindValidation, "page must be >= 1, got %d", page)
	}
	if size < 1 || size > MaxPageSize {
		return store.Page{}, apperr.Newf(apperr.KindValidation, "page size must be in [1, %d], got %d", MaxPageSize, size)
	}
	return store.Page{Number: page, Size: size}, nil
}

// storeErr translates store sentinels into the public vocabulary.
func (m *Manager) storeErr(err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		m.logger.Error().Err(err).
			Str(log.FieldErrorID, apperr.ErrIDStoreUnavailable).
			Msg("session store unavailable")
		return apperr.Wrap(apperr.KindUnavailable, "session store unavailable", err).
			WithErrID(apperr.ErrIDStoreUnavailable)
	}
	return apperr.Wrap(apperr.KindInternal, "session store failure", err)
}

// mutateErr keeps already-classified errors intact and translates the rest.
func (m *Manager) mutateErr(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return m.storeErr(err)
}

func (m *Manager) observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.SessionOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
