package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/vanpelt/catnip-proxy/internal/crypto"
	"github.com/vanpelt/catnip-proxy/internal/server/db"
)

// Session is the decrypted form of a browser/editor session.
type Session struct {
	ID               string
	UserID           int64
	Username         string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// sessionPayload is the part of a Session that lives inside the encrypted
// envelope. Expiry is kept in plain columns so it can be checked without
// decrypting.
type sessionPayload struct {
	UserID       int64  `json:"user_id"`
	Username     string `json:"username"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// SessionStore persists sessions and their mobile-token index.
type SessionStore struct {
	db   *db.Store
	keys *crypto.KeyManager
	now  func() time.Time
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(database *db.Store, keys *crypto.KeyManager) *SessionStore {
	return &SessionStore{db: database, keys: keys, now: time.Now}
}

// Put seals the session payload under the current key and upserts the row.
func (s *SessionStore) Put(sess *Session) error {
	sc, err := sealJSON(s.keys, sessionPayload{
		UserID:       sess.UserID,
		Username:     sess.Username,
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
	})
	if err != nil {
		return err
	}
	row := &db.SessionRow{
		ID:            sess.ID,
		SecretColumns: sc,
		ExpiresAt:     sess.ExpiresAt,
	}
	if !sess.RefreshExpiresAt.IsZero() {
		t := sess.RefreshExpiresAt
		row.RefreshExpiresAt = &t
	}
	return s.db.UpsertSession(row)
}

// Get loads a session. Expired sessions are deleted and reported as
// ErrNotFound. Every successful lookup re-encrypts the payload under the
// current key and bumps updated_at, so live sessions converge onto the
// newest key version without a bulk migration.
func (s *SessionStore) Get(id string) (*Session, error) {
	row, err := s.db.GetSession(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	if s.now().After(row.ExpiresAt) {
		if err := s.db.DeleteSession(id); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	var payload sessionPayload
	if _, err := openJSON(s.keys, row.SecretColumns, &payload); err != nil {
		return nil, err
	}

	sc, err := sealJSON(s.keys, payload)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdateSessionSecret(id, sc); err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	sess := &Session{
		ID:           row.ID,
		UserID:       payload.UserID,
		Username:     payload.Username,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    row.ExpiresAt,
	}
	if row.RefreshExpiresAt != nil {
		sess.RefreshExpiresAt = *row.RefreshExpiresAt
	}
	return sess, nil
}

// Delete removes a session and every mobile token minted from it.
func (s *SessionStore) Delete(id string) error {
	if err := s.db.DeleteMobileTokensForSession(id); err != nil {
		return err
	}
	return s.db.DeleteSession(id)
}

// hashToken is the stored form of a mobile token. The raw token is shown
// to the client once and never persisted.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// PutMobileToken indexes a device token against an existing session.
func (s *SessionStore) PutMobileToken(token string, sess *Session, expiresAt time.Time) error {
	return s.db.InsertMobileToken(&db.MobileTokenRow{
		TokenHash: hashToken(token),
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Username:  sess.Username,
		ExpiresAt: expiresAt,
	})
}

// GetByMobileToken resolves a device token through to its session. An
// expired token is deleted and reported as ErrNotFound; a valid token whose
// session is gone also reports ErrNotFound.
func (s *SessionStore) GetByMobileToken(token string) (*Session, error) {
	row, err := s.db.GetMobileToken(hashToken(token))
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	if s.now().After(row.ExpiresAt) {
		if err := s.db.DeleteMobileToken(row.TokenHash); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return s.Get(row.SessionID)
}

// DeleteMobileToken revokes one device token without touching the session.
func (s *SessionStore) DeleteMobileToken(token string) error {
	return s.db.DeleteMobileToken(hashToken(token))
}

// Sweep soft-expires stale session rows and drops expired mobile tokens.
func (s *SessionStore) Sweep(olderThan time.Duration) (int64, error) {
	now := s.now()
	swept, err := s.db.SweepSessions(now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if _, err := s.db.SweepMobileTokens(now); err != nil {
		return swept, err
	}
	return swept, nil
}
