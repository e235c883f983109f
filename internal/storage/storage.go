// Package storage persists the three things a long-running vault daemon
// needs across restarts: the vault registry (one row per derived address),
// encrypted-at-rest-by-the-caller backup blobs, and the blind-signing
// session journal. Built the way the teacher's swap-exchange storage layer
// was: a single sqlite connection in WAL mode, schema declared as one
// idempotent string, and a best-effort migration pass for columns added
// after the fact.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nostring-labs/vault-core/pkg/logging"
)

var logger = logging.GetDefault().Component("storage")

// Config describes where the database lives.
type Config struct {
	DataDir string
}

const dbFileName = "vault.db"

// Storage wraps a single sqlite connection. All vault/backup/session state
// lives in one file so a data directory is the unit of backup.
type Storage struct {
	db   *sql.DB
	path string
}

// New opens (creating if necessary) the sqlite database under cfg.DataDir,
// applies the schema, and runs any pending migrations.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("storage: failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, dbFileName)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open database: %w", err)
	}

	// A single writer connection avoids sqlite's "database is locked"
	// errors under WAL when multiple goroutines write concurrently; reads
	// still happen from the same pool, which is fine at this scale.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, path: path}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("storage opened", "path", path)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for callers that need a bespoke
// query the higher-level helpers don't cover.
func (s *Storage) DB() *sql.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS vaults (
	id               TEXT PRIMARY KEY,
	label            TEXT NOT NULL DEFAULT '',
	network          TEXT NOT NULL,
	vault_type       TEXT NOT NULL,
	address          TEXT NOT NULL,
	owner_pubkey     TEXT NOT NULL,
	cosigner_pubkey  TEXT NOT NULL,
	address_index    INTEGER NOT NULL DEFAULT 0,
	has_recovery     INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vaults_address ON vaults(address);
CREATE INDEX IF NOT EXISTS idx_vaults_network ON vaults(network);

CREATE TABLE IF NOT EXISTS backups (
	vault_id    TEXT PRIMARY KEY,
	label       TEXT NOT NULL DEFAULT '',
	payload     BLOB NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS blind_sessions (
	session_id   TEXT PRIMARY KEY,
	role         TEXT NOT NULL,
	state        TEXT NOT NULL,
	num_inputs   INTEGER NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blind_sessions_state ON blind_sessions(state);
`

func (s *Storage) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("storage: failed to initialize schema: %w", err)
	}
	return nil
}

// runMigrations applies ALTER TABLE statements for columns added after the
// initial schema, ignoring "duplicate column" errors the same way the
// teacher's migration pass does - sqlite has no IF NOT EXISTS for columns.
func (s *Storage) runMigrations() error {
	migrations := []string{
		`ALTER TABLE vaults ADD COLUMN has_recovery INTEGER NOT NULL DEFAULT 0`,
	}

	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("storage: migration failed (%s): %w", stmt, err)
		}
	}
	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
