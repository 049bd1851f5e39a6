package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/ehrlich-b/rvhost/internal/herr"
)

// SessionRecord is one machine instance's persisted state.
type SessionRecord struct {
	ID string
	Name string
	CreatedAtMs int64
	UpdatedAtMs int64
	BaseFingerprint string
	DeltaBytes []byte
}

// CreateSession inserts a new session row on first boot.
func (s *Store) CreateSession(id, name string) (*SessionRecord, error) {
	now := nowMs()
	rec := &SessionRecord{ID: id, Name: name, CreatedAtMs: now, UpdatedAtMs: now}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, name, created_at_ms, updated_at_ms, base_fingerprint, delta)
		 VALUES (?, ?, ?, ?, '', NULL)`,
		id, name, now, now,
	)
	if err != nil {
		return nil, herr.NewStorageError("create session", err)
	}
	return rec, nil
}

// GetSession loads a session record by id. Returns (nil, nil) if the
// session has never booted — that is not an error, callers treat it as
// "boot with empty delta".
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, name, created_at_ms, updated_at_ms, base_fingerprint, delta FROM sessions WHERE id = ?`, id)
	rec := &SessionRecord{}
	var delta sql.NullString
	err := row.Scan(&rec.ID, &rec.Name, &rec.CreatedAtMs, &rec.UpdatedAtMs, &rec.BaseFingerprint, &delta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, herr.NewStorageError("get session", err)
	}
	if delta.Valid {
		rec.DeltaBytes = []byte(delta.String)
	}
	return rec, nil
}

// SaveSessionDelta is the *sole write path* for a session's delta.
// Only the Supervisor's post-export handler may call
// this — worker code never writes persistence directly. Relying on
// sqlite's transaction atomicity for the write, rather than a
// write-temp-then-rename dance, is the deliberate simplification
// described in the package doc comment.
func (s *Store) SaveSessionDelta(id string, encodedDelta []byte, baseFingerprint string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET delta = ?, base_fingerprint = ?, updated_at_ms = ? WHERE id = ?`,
		encodedDelta, baseFingerprint, nowMs(), id,
	)
	if err != nil {
		return herr.NewStorageError("save session delta", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return herr.NewStorageError("save session delta", err)
	}
	if n == 0 {
		return herr.NewStorageError("save session delta", errors.New("no such session: "+id))
	}
	return nil
}

// DeleteSession removes a session record entirely (explicit user
// action — the only way a session is destroyed).
func (s *Store) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return herr.NewStorageError("delete session", err)
	}
	return nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
