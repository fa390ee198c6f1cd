package db

import "time"

// SecretColumns is the encrypted envelope shared by every table that stores
// sensitive material. Either all four fields are set, or all four are nil:
// a row with nil secret columns is "soft-expired", meaning the identifier
// and its non-secret metadata survive but the secret does not.
type SecretColumns struct {
	KeyVersion *int
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// Expired reports whether the secret columns have been nulled.
func (c *SecretColumns) Expired() bool {
	return c.KeyVersion == nil || len(c.Ciphertext) == 0
}

// SessionRow is a persisted browser/editor session. The token material
// lives inside the envelope; expiry columns stay outside it so expiry can
// be checked without decrypting.
type SessionRow struct {
	ID string
	SecretColumns
	ExpiresAt        time.Time
	RefreshExpiresAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MobileTokenRow maps a hashed device token to a session. Only the SHA-256
// of the token is stored; the token itself is shown to the client once.
type MobileTokenRow struct {
	TokenHash string
	SessionID string
	UserID    int64
	Username  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// CredentialRow is a persisted codespace credential. The upstream token is
// inside the envelope; codespace metadata stays in plain columns so a
// soft-expired codespace is still listable.
type CredentialRow struct {
	CodespaceName string
	GitHubUser    string
	Repository    string
	Org           string
	SecretColumns
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActivityRow tracks keep-alive state for one codespace. LastPingAt is nil
// until the first successful ping.
type ActivityRow struct {
	CodespaceName  string
	GitHubUser     string
	LastActivityAt time.Time
	LastPingAt     *time.Time
}
