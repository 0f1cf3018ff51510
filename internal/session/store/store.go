// Package store implements the durable, authoritative session repository.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/fingerprint"
	"github.com/agentgate/agentgate/internal/session"
)

// Sentinel errors classified at the store boundary. The session manager
// translates these into the public vocabulary; raw driver messages stay here.
var (
	// ErrDuplicate indicates a uniqueness conflict on create.
	ErrDuplicate = errors.New("store: duplicate session id")
	// ErrUnavailable indicates a connection-level fault talking to the engine.
	ErrUnavailable = errors.New("store: engine unavailable")
)

// Filter narrows List results. Zero-valued fields are ignored.
// All predicates are evaluated by the store's query layer, never in memory.
type Filter struct {
	Mode      session.Mode
	Status    session.Status
	ProjectID string
	Tag       string // tag-contains
	Search    string // substring match over title
	Metadata  map[string]any
}

// Page is validated pagination. Normalisation and bounds checks happen at the
// service layer; the store assumes sane values.
type Page struct {
	Number int // 1-based
	Size   int
}

// Offset returns the row offset for the page.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// Store is the durable session repository contract.
type Store interface {
	// Create inserts a new session. A duplicate id yields ErrDuplicate.
	Create(ctx context.Context, s *session.Session) error

	// Get returns the session or (nil, nil) when absent.
	Get(ctx context.Context, id uuid.UUID) (*session.Session, error)

	// UpsertWithTranscript writes the session unconditionally (runtime-assigned
	// ids) and appends transcript entries in one transaction.
	UpsertWithTranscript(ctx context.Context, s *session.Session, entries []session.TranscriptEntry) error

	// Update runs a read-modify-write transaction. fn receives the current
	// record and mutates it in place. Returns (nil, nil) when absent.
	Update(ctx context.Context, id uuid.UUID, fn func(*session.Session) error) (*session.Session, error)

	// Delete removes the session and its transcript. Returns whether a row
	// existed.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)

	// List returns the owner's sessions matching the filter, ordered by
	// last_message_at desc nulls last then created_at desc, plus the total
	// match count ignoring pagination.
	List(ctx context.Context, owner fingerprint.Fingerprint, f Filter, p Page) ([]*session.Session, int, error)

	// AppendTranscript appends entries with dense seq numbering.
	AppendTranscript(ctx context.Context, id uuid.UUID, entries []session.TranscriptEntry) error

	// Transcript returns all entries for the session in seq order.
	Transcript(ctx context.Context, id uuid.UUID) ([]session.TranscriptEntry, error)

	Close() error
}
