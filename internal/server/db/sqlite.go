package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection. All writes against a Store are
// serialized by SQLite itself, which gives each table a single-writer
// discipline without explicit locking.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			key_version INTEGER,
			salt BLOB,
			nonce BLOB,
			ciphertext BLOB,
			expires_at DATETIME NOT NULL,
			refresh_expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS mobile_tokens (
			token_hash TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			username TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mobile_tokens_session
			ON mobile_tokens(session_id)`,
		`CREATE TABLE IF NOT EXISTS codespace_credentials (
			codespace_name TEXT PRIMARY KEY,
			github_user TEXT NOT NULL,
			repository TEXT NOT NULL DEFAULT '',
			org TEXT NOT NULL DEFAULT '',
			key_version INTEGER,
			salt BLOB,
			nonce BLOB,
			ciphertext BLOB,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_codespace_credentials_user
			ON codespace_credentials(github_user)`,
		`CREATE TABLE IF NOT EXISTS codespace_activity (
			codespace_name TEXT PRIMARY KEY,
			github_user TEXT NOT NULL,
			last_activity_at DATETIME NOT NULL,
			last_ping_at DATETIME
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
