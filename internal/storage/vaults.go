package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("storage: record not found")

// VaultRecord is the persisted registry entry for one derived vault
// address. It mirrors the fields of internal/vault.Vault /
// internal/vault.MuSig2Vault / internal/inherit.InheritableVault that are
// cheap to serialize as strings; callers reconstruct the full typed vault
// from a backup or by recomputing from OwnerPubKey/CosignerPubKey/
// AddressIndex when they need more than the registry provides.
type VaultRecord struct {
	ID             string
	Label          string
	Network        string
	VaultType      string // "plain", "musig2", or "inheritable"
	Address        string
	OwnerPubKey    string
	CosignerPubKey string
	AddressIndex   uint32
	HasRecovery    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SaveVault inserts or replaces a vault registry entry.
func (s *Storage) SaveVault(rec VaultRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO vaults (id, label, network, vault_type, address, owner_pubkey, cosigner_pubkey, address_index, has_recovery, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			network = excluded.network,
			vault_type = excluded.vault_type,
			address = excluded.address,
			owner_pubkey = excluded.owner_pubkey,
			cosigner_pubkey = excluded.cosigner_pubkey,
			address_index = excluded.address_index,
			has_recovery = excluded.has_recovery,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Label, rec.Network, rec.VaultType, rec.Address, rec.OwnerPubKey, rec.CosignerPubKey, rec.AddressIndex, boolToInt(rec.HasRecovery), rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storage: failed to save vault %s: %w", rec.ID, err)
	}

	logger.Debug("vault record saved", "id", rec.ID, "type", rec.VaultType)
	return nil
}

// GetVault looks up a vault registry entry by ID.
func (s *Storage) GetVault(id string) (*VaultRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, label, network, vault_type, address, owner_pubkey, cosigner_pubkey, address_index, has_recovery, created_at, updated_at
		FROM vaults WHERE id = ?
	`, id)

	rec, err := scanVaultRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load vault %s: %w", id, err)
	}
	return rec, nil
}

// ListVaults returns every registry entry, ordered by creation time.
func (s *Storage) ListVaults() ([]VaultRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, label, network, vault_type, address, owner_pubkey, cosigner_pubkey, address_index, has_recovery, created_at, updated_at
		FROM vaults ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list vaults: %w", err)
	}
	defer rows.Close()

	var out []VaultRecord
	for rows.Next() {
		rec, err := scanVaultRow(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan vault row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteVault removes a vault registry entry. It does not remove any
// associated backup; callers that mean to discard both must call
// DeleteBackup separately.
func (s *Storage) DeleteVault(id string) error {
	_, err := s.db.Exec(`DELETE FROM vaults WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: failed to delete vault %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVaultRow(row rowScanner) (*VaultRecord, error) {
	var rec VaultRecord
	var hasRecovery int
	var createdAt, updatedAt string

	if err := row.Scan(&rec.ID, &rec.Label, &rec.Network, &rec.VaultType, &rec.Address, &rec.OwnerPubKey, &rec.CosignerPubKey, &rec.AddressIndex, &hasRecovery, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	rec.HasRecovery = hasRecovery != 0
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
