package db

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertSession inserts or replaces a session row. created_at is preserved
// when the id already exists.
func (s *Store) UpsertSession(row *SessionRow) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, key_version, salt, nonce, ciphertext, expires_at, refresh_expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   key_version = excluded.key_version,
		   salt = excluded.salt,
		   nonce = excluded.nonce,
		   ciphertext = excluded.ciphertext,
		   expires_at = excluded.expires_at,
		   refresh_expires_at = excluded.refresh_expires_at,
		   updated_at = CURRENT_TIMESTAMP`,
		row.ID, row.KeyVersion, row.Salt, row.Nonce, row.Ciphertext,
		row.ExpiresAt.UTC(), nullableTime(row.RefreshExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session row by id, or nil if absent.
func (s *Store) GetSession(id string) (*SessionRow, error) {
	row := &SessionRow{}
	var keyVersion sql.NullInt64
	var refreshExpires sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, key_version, salt, nonce, ciphertext, expires_at, refresh_expires_at, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&row.ID, &keyVersion, &row.Salt, &row.Nonce, &row.Ciphertext,
		&row.ExpiresAt, &refreshExpires, &row.CreatedAt, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	row.KeyVersion = intPtr(keyVersion)
	row.RefreshExpiresAt = timePtr(refreshExpires)
	return row, nil
}

// UpdateSessionSecret rewrites the secret columns of an existing session and
// bumps updated_at. Used for read-refresh and lazy key rotation.
func (s *Store) UpdateSessionSecret(id string, sc SecretColumns) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET key_version = ?, salt = ?, nonce = ?, ciphertext = ?,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		sc.KeyVersion, sc.Salt, sc.Nonce, sc.Ciphertext, id,
	)
	if err != nil {
		return fmt.Errorf("update session secret: %w", err)
	}
	return nil
}

// SoftExpireSession nulls the secret columns of a session, keeping the row.
func (s *Store) SoftExpireSession(id string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET key_version = NULL, salt = NULL, nonce = NULL, ciphertext = NULL,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("soft-expire session: %w", err)
	}
	return nil
}

// DeleteSession removes a session row entirely.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SweepSessions soft-expires sessions whose updated_at precedes the cutoff
// and that still hold secrets. Returns the number of rows affected.
func (s *Store) SweepSessions(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET key_version = NULL, salt = NULL, nonce = NULL, ciphertext = NULL,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE updated_at < ? AND ciphertext IS NOT NULL`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
