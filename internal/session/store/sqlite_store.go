package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentgate/agentgate/internal/fingerprint"
	"github.com/agentgate/agentgate/internal/persistence/sqlite"
	"github.com/agentgate/agentgate/internal/session"
)

const schemaVersion = 1

// SqliteStore implements Store using SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens the database and applies migrations.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session store: migration failed: %w", err)
	}

	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return err
	}

	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// session_metadata, not metadata: "metadata" is a reserved identifier in
	// several ORM ecosystems and renaming later is backward-breaking.
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		owner_fp TEXT NOT NULL DEFAULT '',
		parent_id TEXT,
		project_id TEXT,
		model TEXT,
		title TEXT,
		total_turns INTEGER NOT NULL DEFAULT 0,
		total_cost TEXT NOT NULL DEFAULT '0',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		last_message_at_ms INTEGER,
		session_metadata TEXT,
		tags_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_fp);
	CREATE INDEX IF NOT EXISTS idx_sessions_order ON sessions(last_message_at_ms DESC, created_at_ms DESC);

	CREATE TABLE IF NOT EXISTS transcript_entries (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case strings.Contains(msg, "unable to open database"),
		strings.Contains(msg, "disk I/O error"),
		strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database disk image is malformed"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

const sessionColumns = `id, mode, status, owner_fp, parent_id, project_id, model, title,
	total_turns, total_cost, created_at_ms, updated_at_ms, last_message_at_ms,
	session_metadata, tags_json`

func (s *SqliteStore) Create(ctx context.Context, rec *session.Session) error {
	args, err := sessionArgs(rec)
	if err != nil {
		return err
	}
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.DB.ExecContext(ctx, query, args...)
	return classify(err)
}

func (s *SqliteStore) upsertTx(ctx context.Context, tx *sql.Tx, rec *session.Session) error {
	args, err := sessionArgs(rec)
	if err != nil {
		return err
	}
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		mode = excluded.mode,
		status = excluded.status,
		parent_id = excluded.parent_id,
		project_id = excluded.project_id,
		model = excluded.model,
		title = excluded.title,
		total_turns = excluded.total_turns,
		total_cost = excluded.total_cost,
		updated_at_ms = excluded.updated_at_ms,
		last_message_at_ms = excluded.last_message_at_ms,
		session_metadata = excluded.session_metadata,
		tags_json = excluded.tags_json`
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func (s *SqliteStore) UpsertWithTranscript(ctx context.Context, rec *session.Session, entries []session.TranscriptEntry) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.upsertTx(ctx, tx, rec); err != nil {
		return classify(err)
	}
	if err := appendTranscriptTx(ctx, tx, rec.ID, entries); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (s *SqliteStore) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	row := s.DB.QueryRowContext(ctx, query, id.String())
	rec, err := scanSession(row)
	return rec, classify(err)
}

func (s *SqliteStore) Update(ctx context.Context, id uuid.UUID, fn func(*session.Session) error) (*session.Session, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id.String()))
	if err != nil {
		return nil, classify(err)
	}
	if rec == nil {
		return nil, nil
	}

	if err := fn(rec); err != nil {
		return nil, err
	}

	rec.UpdatedAt = time.Now().UTC()

	args, err := sessionArgs(rec)
	if err != nil {
		return nil, err
	}
	// sessionArgs puts id first; reuse the remaining columns for the update.
	updateQuery := `
		UPDATE sessions SET
			mode = ?, status = ?, owner_fp = ?, parent_id = ?, project_id = ?,
			model = ?, title = ?, total_turns = ?, total_cost = ?,
			created_at_ms = ?, updated_at_ms = ?, last_message_at_ms = ?,
			session_metadata = ?, tags_json = ?
		WHERE id = ?`
	updateArgs := append(args[1:], args[0])
	if _, err := tx.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		return nil, classify(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return rec, nil
}

func (s *SqliteStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id.String())
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SqliteStore) List(ctx context.Context, owner fingerprint.Fingerprint, f Filter, p Page) ([]*session.Session, int, error) {
	where := "WHERE owner_fp = ?"
	args := []any{owner.Hex()}

	if f.Mode != "" {
		where += " AND mode = ?"
		args = append(args, string(f.Mode))
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.ProjectID != "" {
		where += " AND project_id = ?"
		args = append(args, f.ProjectID)
	}
	if f.Tag != "" {
		where += " AND EXISTS (SELECT 1 FROM json_each(sessions.tags_json) WHERE json_each.value = ?)"
		args = append(args, f.Tag)
	}
	if f.Search != "" {
		where += " AND title LIKE ? ESCAPE '\\'"
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}
	for key, val := range f.Metadata {
		where += " AND json_extract(session_metadata, ?) = ?"
		args = append(args, "$."+key, val)
	}

	var total int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions "+where, args...).Scan(&total); err != nil {
		return nil, 0, classify(err)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions ` + where +
		` ORDER BY last_message_at_ms DESC NULLS LAST, created_at_ms DESC LIMIT ? OFFSET ?`
	args = append(args, p.Size, p.Offset())

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var results []*session.Session
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, 0, classify(err)
		}
		results = append(results, rec)
	}
	return results, total, classify(rows.Err())
}

func (s *SqliteStore) AppendTranscript(ctx context.Context, id uuid.UUID, entries []session.TranscriptEntry) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := appendTranscriptTx(ctx, tx, id, entries); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func appendTranscriptTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, entries []session.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// seq stays dense: continue from the current maximum inside the tx.
	var next int
	err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq)+1, 0) FROM transcript_entries WHERE session_id = ?", id.String()).Scan(&next)
	if err != nil {
		return err
	}

	for i, e := range entries {
		content := e.Content
		if content == nil {
			content = json.RawMessage("null")
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO transcript_entries (session_id, seq, role, content, created_at_ms) VALUES (?, ?, ?, ?, ?)",
			id.String(), next+i, string(e.Role), string(content), createdAt.UnixMilli())
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SqliteStore) Transcript(ctx context.Context, id uuid.UUID) ([]session.TranscriptEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT seq, role, content, created_at_ms FROM transcript_entries WHERE session_id = ? ORDER BY seq", id.String())
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var entries []session.TranscriptEntry
	for rows.Next() {
		var e session.TranscriptEntry
		var role, content string
		var createdAt int64
		if err := rows.Scan(&e.Seq, &role, &content, &createdAt); err != nil {
			return nil, classify(err)
		}
		e.Role = session.Role(role)
		e.Content = json.RawMessage(content)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	return entries, classify(rows.Err())
}

// --- Helpers ---

func sessionArgs(rec *session.Session) ([]any, error) {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("store: marshal metadata: %w", err)
	}
	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return nil, fmt.Errorf("store: marshal tags: %w", err)
	}

	var parentID sql.NullString
	if rec.ParentID != nil {
		parentID = sql.NullString{String: rec.ParentID.String(), Valid: true}
	}
	var lastMsg sql.NullInt64
	if rec.LastMessageAt != nil {
		lastMsg = sql.NullInt64{Int64: rec.LastMessageAt.UnixMilli(), Valid: true}
	}

	return []any{
		rec.ID.String(), string(rec.Mode), string(rec.Status), rec.Owner.Hex(),
		parentID, nullStr(rec.ProjectID), nullStr(rec.Model), nullStr(rec.Title),
		int64(rec.TotalTurns), rec.TotalCost.String(),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), lastMsg,
		string(metaJSON), string(tagsJSON),
	}, nil
}

func scanSession(scanner interface {
	Scan(dest ...any) error
}) (*session.Session, error) {
	var rec session.Session
	var idStr, mode, status, ownerHex, costStr string
	var parentID, projectID, model, title sql.NullString
	var totalTurns, createdAt, updatedAt int64
	var lastMsg sql.NullInt64
	var metaJSON, tagsJSON sql.NullString

	err := scanner.Scan(
		&idStr, &mode, &status, &ownerHex, &parentID, &projectID, &model, &title,
		&totalTurns, &costStr, &createdAt, &updatedAt, &lastMsg,
		&metaJSON, &tagsJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rec.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt session id %q: %w", idStr, err)
	}
	rec.Mode = session.Mode(mode)
	rec.Status = session.Status(status)
	if ownerHex != "" {
		rec.Owner, err = fingerprint.ParseHex(ownerHex)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt owner for session %s: %w", idStr, err)
		}
	}
	if parentID.Valid {
		pid, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt parent id for session %s: %w", idStr, err)
		}
		rec.ParentID = &pid
	}
	rec.ProjectID = projectID.String
	rec.Model = model.String
	rec.Title = title.String
	rec.TotalTurns = uint32(totalTurns)
	rec.TotalCost, err = decimal.NewFromString(costStr)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt total_cost for session %s: %w", idStr, err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if lastMsg.Valid {
		t := time.UnixMilli(lastMsg.Int64).UTC()
		rec.LastMessageAt = &t
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		_ = json.Unmarshal([]byte(metaJSON.String), &rec.Metadata)
	}
	if tagsJSON.Valid && tagsJSON.String != "" && tagsJSON.String != "null" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &rec.Tags)
	}

	return &rec, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
