package storage

import (
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetVault(t *testing.T) {
	s := newTestStorage(t)

	rec := VaultRecord{
		ID:             "vault-1",
		Label:          "alice-bob",
		Network:        "bitcoin",
		VaultType:      "musig2",
		Address:        "bc1pexampleaddress",
		OwnerPubKey:    "02aa",
		CosignerPubKey: "02bb",
		AddressIndex:   0,
		HasRecovery:    true,
	}

	if err := s.SaveVault(rec); err != nil {
		t.Fatalf("SaveVault failed: %v", err)
	}

	got, err := s.GetVault("vault-1")
	if err != nil {
		t.Fatalf("GetVault failed: %v", err)
	}
	if got.Address != rec.Address || got.VaultType != rec.VaultType || !got.HasRecovery {
		t.Errorf("GetVault returned mismatched record: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestSaveVaultUpsert(t *testing.T) {
	s := newTestStorage(t)

	rec := VaultRecord{ID: "vault-1", Network: "bitcoin", VaultType: "plain", Address: "addr-a", OwnerPubKey: "o", CosignerPubKey: "c"}
	if err := s.SaveVault(rec); err != nil {
		t.Fatalf("SaveVault failed: %v", err)
	}

	rec.Address = "addr-b"
	rec.Label = "renamed"
	if err := s.SaveVault(rec); err != nil {
		t.Fatalf("SaveVault (update) failed: %v", err)
	}

	got, err := s.GetVault("vault-1")
	if err != nil {
		t.Fatalf("GetVault failed: %v", err)
	}
	if got.Address != "addr-b" || got.Label != "renamed" {
		t.Errorf("expected upsert to overwrite fields, got %+v", got)
	}

	all, err := s.ListVaults()
	if err != nil {
		t.Fatalf("ListVaults failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected exactly 1 vault after upsert, got %d", len(all))
	}
}

func TestGetVaultNotFound(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.GetVault("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteVault(t *testing.T) {
	s := newTestStorage(t)
	rec := VaultRecord{ID: "vault-1", Network: "bitcoin", VaultType: "plain", Address: "addr", OwnerPubKey: "o", CosignerPubKey: "c"}
	if err := s.SaveVault(rec); err != nil {
		t.Fatalf("SaveVault failed: %v", err)
	}
	if err := s.DeleteVault("vault-1"); err != nil {
		t.Fatalf("DeleteVault failed: %v", err)
	}
	if _, err := s.GetVault("vault-1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSaveAndLoadBackup(t *testing.T) {
	s := newTestStorage(t)

	payload := []byte(`{"version":1,"network":"bitcoin"}`)
	if err := s.SaveBackup("vault-1", "alice-bob", payload); err != nil {
		t.Fatalf("SaveBackup failed: %v", err)
	}

	got, err := s.LoadBackup("vault-1")
	if err != nil {
		t.Fatalf("LoadBackup failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("LoadBackup = %s, want %s", got, payload)
	}
}

func TestLoadBackupNotFound(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.LoadBackup("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionJournalLifecycle(t *testing.T) {
	s := newTestStorage(t)

	rec := SessionRecord{SessionID: "sess-1", Role: "owner", State: SessionStateNoncesRequested, NumInputs: 2}
	if err := s.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	incomplete, err := s.ListIncompleteSessions()
	if err != nil {
		t.Fatalf("ListIncompleteSessions failed: %v", err)
	}
	if len(incomplete) != 1 {
		t.Fatalf("expected 1 incomplete session, got %d", len(incomplete))
	}

	rec.State = SessionStateCompleted
	if err := s.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession (update) failed: %v", err)
	}

	incomplete, err = s.ListIncompleteSessions()
	if err != nil {
		t.Fatalf("ListIncompleteSessions failed: %v", err)
	}
	if len(incomplete) != 0 {
		t.Errorf("expected 0 incomplete sessions after completion, got %d", len(incomplete))
	}

	if err := s.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := s.GetSession("sess-1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
