package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentgate/agentgate/internal/fingerprint"
	"github.com/agentgate/agentgate/internal/session"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSqliteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeSession(owner fingerprint.Fingerprint) *session.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &session.Session{
		ID:        uuid.New(),
		Mode:      session.ModeCode,
		Status:    session.StatusActive,
		Owner:     owner,
		Model:     "claude-sonnet-4-5",
		TotalCost: decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := makeSession(fingerprint.SumString("abc"))
	rec.Title = "first session"
	rec.Tags = []string{"one", "two"}
	rec.Metadata = map[string]any{"source": "cli"}
	rec.TotalCost = decimal.RequireFromString("0.0123")

	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for existing session")
	}
	if got.ID != rec.ID || got.Title != rec.Title || got.Mode != rec.Mode {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if !fingerprint.Equal(got.Owner, rec.Owner) {
		t.Error("owner fingerprint lost")
	}
	if !got.TotalCost.Equal(rec.TotalCost) {
		t.Errorf("total_cost = %s, want %s", got.TotalCost, rec.TotalCost)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "one" || got.Tags[1] != "two" {
		t.Errorf("tags order lost: %v", got.Tags)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := makeSession(fingerprint.SumString("abc"))
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, rec)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Create = %v, want ErrDuplicate", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Error("Get for unknown id must return nil")
	}
}

func TestUpdateReadModifyWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := makeSession(fingerprint.SumString("abc"))
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	before := rec.UpdatedAt
	time.Sleep(5 * time.Millisecond)

	got, err := s.Update(ctx, rec.ID, func(r *session.Session) error {
		r.TotalTurns = 3
		r.TotalCost = decimal.RequireFromString("0.5")
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.TotalTurns != 3 {
		t.Errorf("total_turns = %d, want 3", got.TotalTurns)
	}
	if !got.UpdatedAt.After(before) {
		t.Error("updated_at must advance")
	}

	persisted, _ := s.Get(ctx, rec.ID)
	if persisted.TotalTurns != 3 || !persisted.TotalCost.Equal(decimal.RequireFromString("0.5")) {
		t.Error("update not persisted")
	}
}

func TestUpdateMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Update(context.Background(), uuid.New(), func(*session.Session) error { return nil })
	if err != nil || got != nil {
		t.Fatalf("Update(missing) = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestUpdateMutatorErrorAborts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := makeSession(fingerprint.SumString("abc"))
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	boom := errors.New("mutator refused")
	_, err := s.Update(ctx, rec.ID, func(r *session.Session) error {
		r.TotalTurns = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update = %v, want mutator error", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if got.TotalTurns != 0 {
		t.Error("aborted mutation must not persist")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := makeSession(fingerprint.SumString("abc"))
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.AppendTranscript(ctx, rec.ID, []session.TranscriptEntry{
		{Role: session.RoleUser, Content: json.RawMessage(`"hi"`)},
	}); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}

	existed, err := s.Delete(ctx, rec.ID)
	if err != nil || !existed {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", existed, err)
	}

	// Transcript rows cascade with the session.
	entries, err := s.Transcript(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(entries) != 0 {
		t.Error("transcript must be deleted with the session")
	}

	existed, err = s.Delete(ctx, rec.ID)
	if err != nil || existed {
		t.Fatalf("second Delete = (%v, %v), want (false, nil)", existed, err)
	}
}

func TestTranscriptDenseSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := makeSession(fingerprint.SumString("abc"))
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first := []session.TranscriptEntry{
		{Role: session.RoleUser, Content: json.RawMessage(`"hello"`)},
		{Role: session.RoleAssistant, Content: json.RawMessage(`"hi"`)},
	}
	if err := s.AppendTranscript(ctx, rec.ID, first); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}
	second := []session.TranscriptEntry{
		{Role: session.RoleUser, Content: json.RawMessage(`"more"`)},
	}
	if err := s.AppendTranscript(ctx, rec.ID, second); err != nil {
		t.Fatalf("AppendTranscript: %v", err)
	}

	entries, err := s.Transcript(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Seq != i {
			t.Errorf("entries[%d].Seq = %d, want %d", i, e.Seq, i)
		}
	}
}

func TestUpsertWithTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := makeSession(fingerprint.SumString("abc"))
	entries := []session.TranscriptEntry{
		{Role: session.RoleUser, Content: json.RawMessage(`"q"`)},
		{Role: session.RoleAssistant, Content: json.RawMessage(`"a"`)},
	}
	if err := s.UpsertWithTranscript(ctx, rec, entries); err != nil {
		t.Fatalf("UpsertWithTranscript: %v", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if got == nil {
		t.Fatal("session not created by upsert")
	}
	tr, _ := s.Transcript(ctx, rec.ID)
	if len(tr) != 2 {
		t.Fatalf("transcript len = %d, want 2", len(tr))
	}

	// Second upsert updates in place.
	rec.TotalTurns = 1
	if err := s.UpsertWithTranscript(ctx, rec, nil); err != nil {
		t.Fatalf("second UpsertWithTranscript: %v", err)
	}
	got, _ = s.Get(ctx, rec.ID)
	if got.TotalTurns != 1 {
		t.Error("upsert did not update existing row")
	}
}

func seedListFixtures(t *testing.T, s *SqliteStore, owner fingerprint.Fingerprint) []*session.Session {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	var out []*session.Session
	for i := 0; i < 5; i++ {
		rec := makeSession(owner)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		rec.UpdatedAt = rec.CreatedAt
		rec.Title = fmt.Sprintf("session number %d", i)
		if i%2 == 0 {
			rec.Mode = session.ModeBrainstorm
		}
		if i == 1 {
			rec.Tags = []string{"pinned"}
			rec.Metadata = map[string]any{"env": "prod"}
		}
		if i == 2 {
			rec.ProjectID = "proj-42"
		}
		if i == 3 {
			lm := rec.CreatedAt.Add(30 * time.Minute)
			rec.LastMessageAt = &lm
		}
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("seed Create: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestListOwnerScopeAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := fingerprint.SumString("abc")
	other := fingerprint.SumString("xyz")

	recs := seedListFixtures(t, s, owner)
	foreign := makeSession(other)
	if err := s.Create(ctx, foreign); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, total, err := s.List(ctx, owner, Filter{}, Page{Number: 1, Size: 50})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(got) != 5 {
		t.Fatalf("List = %d items, total %d; want 5/5", len(got), total)
	}
	// Session with last_message_at sorts first; the rest by created_at desc.
	if got[0].ID != recs[3].ID {
		t.Errorf("first item = %s, want the session with last_message_at", got[0].ID)
	}
	for _, r := range got {
		if !fingerprint.Equal(r.Owner, owner) {
			t.Error("foreign session leaked into listing")
		}
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := fingerprint.SumString("abc")
	seedListFixtures(t, s, owner)

	page := Page{Number: 1, Size: 50}

	got, total, err := s.List(ctx, owner, Filter{Mode: session.ModeBrainstorm}, page)
	if err != nil {
		t.Fatalf("List(mode): %v", err)
	}
	if total != 3 || len(got) != 3 {
		t.Errorf("mode filter: %d/%d, want 3/3", len(got), total)
	}

	_, total, err = s.List(ctx, owner, Filter{Tag: "pinned"}, page)
	if err != nil {
		t.Fatalf("List(tag): %v", err)
	}
	if total != 1 {
		t.Errorf("tag filter total = %d, want 1", total)
	}

	_, total, err = s.List(ctx, owner, Filter{ProjectID: "proj-42"}, page)
	if err != nil {
		t.Fatalf("List(project): %v", err)
	}
	if total != 1 {
		t.Errorf("project filter total = %d, want 1", total)
	}

	_, total, err = s.List(ctx, owner, Filter{Search: "number 4"}, page)
	if err != nil {
		t.Fatalf("List(search): %v", err)
	}
	if total != 1 {
		t.Errorf("search filter total = %d, want 1", total)
	}

	_, total, err = s.List(ctx, owner, Filter{Metadata: map[string]any{"env": "prod"}}, page)
	if err != nil {
		t.Fatalf("List(metadata): %v", err)
	}
	if total != 1 {
		t.Errorf("metadata filter total = %d, want 1", total)
	}
}

func TestListPaginationExactness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := fingerprint.SumString("abc")
	seedListFixtures(t, s, owner)

	seen := map[uuid.UUID]bool{}
	for page := 1; ; page++ {
		got, total, err := s.List(ctx, owner, Filter{}, Page{Number: page, Size: 2})
		if err != nil {
			t.Fatalf("List page %d: %v", page, err)
		}
		if total != 5 {
			t.Fatalf("total = %d, want 5", total)
		}
		if len(got) > 2 {
			t.Fatalf("page %d returned %d items, max 2", page, len(got))
		}
		for _, r := range got {
			if seen[r.ID] {
				t.Fatalf("session %s returned twice", r.ID)
			}
			seen[r.ID] = true
		}
		if len(got) == 0 {
			break
		}
	}
	if len(seen) != 5 {
		t.Errorf("pagination yielded %d distinct sessions, want 5", len(seen))
	}
}
