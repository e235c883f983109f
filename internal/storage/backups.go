package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveBackup stores the raw JSON-serialized form of a vault backup
// (internal/inherit.VaultBackup, or the plain vault's own serialization)
// keyed by vault ID. Storage treats the payload as opaque: callers
// marshal/unmarshal with whatever type that vault variant uses.
func (s *Storage) SaveBackup(vaultID, label string, payload []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO backups (vault_id, label, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(vault_id) DO UPDATE SET
			label = excluded.label,
			payload = excluded.payload
	`, vaultID, label, payload, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storage: failed to save backup for vault %s: %w", vaultID, err)
	}

	logger.Info("backup saved", "vault_id", vaultID, "bytes", len(payload))
	return nil
}

// LoadBackup returns the raw backup payload for a vault ID.
func (s *Storage) LoadBackup(vaultID string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM backups WHERE vault_id = ?`, vaultID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load backup for vault %s: %w", vaultID, err)
	}
	return payload, nil
}

// DeleteBackup removes a stored backup payload.
func (s *Storage) DeleteBackup(vaultID string) error {
	_, err := s.db.Exec(`DELETE FROM backups WHERE vault_id = ?`, vaultID)
	if err != nil {
		return fmt.Errorf("storage: failed to delete backup for vault %s: %w", vaultID, err)
	}
	return nil
}
