// Package session defines the session entity and its lifecycle rules.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentgate/agentgate/internal/fingerprint"
)

// Mode selects the agent conversation style. Immutable after creation.
type Mode string

const (
	ModeBrainstorm Mode = "brainstorm"
	ModeCode       Mode = "code"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeBrainstorm || m == ModeCode
}

// Status is the session lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusCompleted || s == StatusError
}

// Terminal reports whether no further mutation is accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether the status change is legal.
// Only active→active, active→completed and active→error are allowed.
func (s Status) CanTransition(to Status) bool {
	return s == StatusActive && to.Valid()
}

// Session is one continuous agent conversation.
type Session struct {
	ID            uuid.UUID               `json:"id"`
	Mode          Mode                    `json:"mode"`
	Status        Status                  `json:"status"`
	Owner         fingerprint.Fingerprint `json:"owner_fingerprint"`
	ParentID      *uuid.UUID              `json:"parent_id,omitempty"`
	ProjectID     string                  `json:"project_id,omitempty"`
	Model         string                  `json:"model,omitempty"`
	Title         string                  `json:"title,omitempty"`
	TotalTurns    uint32                  `json:"total_turns"`
	TotalCost     decimal.Decimal         `json:"total_cost"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
	LastMessageAt *time.Time              `json:"last_message_at,omitempty"`
	Metadata      map[string]any          `json:"metadata,omitempty"`
	Tags          []string                `json:"tags,omitempty"`
}

// Public reports whether the session has no owner. Reserved for internal
// callers; the HTTP surface never creates unowned sessions.
func (s *Session) Public() bool {
	return s.Owner.IsZero()
}

// Clone returns a deep copy so mutators can stay pure functions of old state.
func (s *Session) Clone() *Session {
	c := *s
	if s.ParentID != nil {
		pid := *s.ParentID
		c.ParentID = &pid
	}
	if s.LastMessageAt != nil {
		lm := *s.LastMessageAt
		c.LastMessageAt = &lm
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.Tags != nil {
		c.Tags = append([]string(nil), s.Tags...)
	}
	return &c
}

// Validate checks structural invariants before persistence.
func (s *Session) Validate() error {
	if s.ID == uuid.Nil {
		return fmt.Errorf("session: missing id")
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("session: invalid mode %q", s.Mode)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("session: invalid status %q", s.Status)
	}
	if s.UpdatedAt.Before(s.CreatedAt) {
		return fmt.Errorf("session: updated_at precedes created_at")
	}
	if s.LastMessageAt != nil && s.LastMessageAt.After(s.UpdatedAt) {
		return fmt.Errorf("session: last_message_at after updated_at")
	}
	return nil
}

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	}
	return false
}

// TranscriptEntry is one element of a session's append-only transcript.
// Seq is dense and starts at 0.
type TranscriptEntry struct {
	Seq       int             `json:"seq"`
	Role      Role            `json:"role"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}
