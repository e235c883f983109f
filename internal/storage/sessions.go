package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Blind-signing session states, tracked in the journal so a crashed daemon
// can report which ceremonies were left incomplete rather than silently
// dropping them.
const (
	SessionStateNoncesRequested = "nonces_requested"
	SessionStateNoncesExchanged = "nonces_exchanged"
	SessionStateChallenged      = "challenged"
	SessionStateCompleted       = "completed"
)

// SessionRecord is one row of the blind-signing session journal.
type SessionRecord struct {
	SessionID string
	Role      string // "owner" or "cosigner"
	State     string
	NumInputs int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveSession inserts or updates a session journal entry.
func (s *Storage) SaveSession(rec SessionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO blind_sessions (session_id, role, state, num_inputs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, rec.SessionID, rec.Role, rec.State, rec.NumInputs, rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storage: failed to save session %s: %w", rec.SessionID, err)
	}
	return nil
}

// GetSession looks up a session journal entry by ID.
func (s *Storage) GetSession(id string) (*SessionRecord, error) {
	row := s.db.QueryRow(`
		SELECT session_id, role, state, num_inputs, created_at, updated_at
		FROM blind_sessions WHERE session_id = ?
	`, id)

	rec, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load session %s: %w", id, err)
	}
	return rec, nil
}

// ListIncompleteSessions returns every session journal entry not yet in
// SessionStateCompleted, for startup reconciliation.
func (s *Storage) ListIncompleteSessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, role, state, num_inputs, created_at, updated_at
		FROM blind_sessions WHERE state != ? ORDER BY created_at ASC
	`, SessionStateCompleted)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list incomplete sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan session row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteSession removes a session journal entry, once its ceremony has
// finished and its result has been durably recorded elsewhere.
func (s *Storage) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM blind_sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: failed to delete session %s: %w", id, err)
	}
	return nil
}

func scanSessionRow(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var createdAt, updatedAt string

	if err := row.Scan(&rec.SessionID, &rec.Role, &rec.State, &rec.NumInputs, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}
