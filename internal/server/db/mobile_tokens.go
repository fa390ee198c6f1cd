package db

import (
	"database/sql"
	"fmt"
	"time"
)

// InsertMobileToken stores a hashed device token pointing at a session.
func (s *Store) InsertMobileToken(row *MobileTokenRow) error {
	_, err := s.db.Exec(
		`INSERT INTO mobile_tokens (token_hash, session_id, user_id, username, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		row.TokenHash, row.SessionID, row.UserID, row.Username, row.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert mobile token: %w", err)
	}
	return nil
}

// GetMobileToken retrieves a mobile token row by token hash, or nil.
func (s *Store) GetMobileToken(tokenHash string) (*MobileTokenRow, error) {
	row := &MobileTokenRow{}
	err := s.db.QueryRow(
		`SELECT token_hash, session_id, user_id, username, expires_at, created_at
		 FROM mobile_tokens WHERE token_hash = ?`, tokenHash,
	).Scan(&row.TokenHash, &row.SessionID, &row.UserID, &row.Username,
		&row.ExpiresAt, &row.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mobile token: %w", err)
	}
	return row, nil
}

// DeleteMobileToken removes one device token.
func (s *Store) DeleteMobileToken(tokenHash string) error {
	_, err := s.db.Exec(`DELETE FROM mobile_tokens WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete mobile token: %w", err)
	}
	return nil
}

// DeleteMobileTokensForSession removes every device token minted from the
// given session, used on logout.
func (s *Store) DeleteMobileTokensForSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM mobile_tokens WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete mobile tokens for session: %w", err)
	}
	return nil
}

// SweepMobileTokens deletes tokens past their expiry.
func (s *Store) SweepMobileTokens(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM mobile_tokens WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep mobile tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
