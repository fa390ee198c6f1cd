package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vanpelt/catnip-proxy/internal/crypto"
	"github.com/vanpelt/catnip-proxy/internal/server/db"
)

// Credential is the decrypted form of a codespace credential. GitHubToken
// is empty for soft-expired entries, which lets callers distinguish "known
// codespace that needs re-auth" from "unknown codespace".
type Credential struct {
	CodespaceName string
	GitHubUser    string
	GitHubToken   string
	Repository    string
	Org           string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasToken reports whether live secret material is on file.
func (c *Credential) HasToken() bool {
	return c.GitHubToken != ""
}

type credentialPayload struct {
	GitHubToken string `json:"github_token"`
	GitHubUser  string `json:"github_user"`
}

// IdentityVerifier checks that a bearer token is valid upstream and returns
// the login it authenticates as.
type IdentityVerifier interface {
	VerifyToken(ctx context.Context, token string) (login string, err error)
}

// CredentialStore persists codespace credentials. Writes are only accepted
// after the presented token is proven to belong to the claimed user, which
// is the main defense against a compromised codespace publishing
// credentials for someone else's account.
type CredentialStore struct {
	db       *db.Store
	keys     *crypto.KeyManager
	verifier IdentityVerifier
	now      func() time.Time
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(database *db.Store, keys *crypto.KeyManager, verifier IdentityVerifier) *CredentialStore {
	return &CredentialStore{db: database, keys: keys, verifier: verifier, now: time.Now}
}

// Put validates token ownership upstream, then seals and upserts the
// credential. The row is not written on any validation failure.
func (s *CredentialStore) Put(ctx context.Context, cred *Credential) error {
	login, err := s.verifier.VerifyToken(ctx, cred.GitHubToken)
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	if !strings.EqualFold(login, cred.GitHubUser) {
		return fmt.Errorf("%w: token is for %q, claimed %q", ErrUserMismatch, login, cred.GitHubUser)
	}

	org := cred.Org
	if org == "" {
		if owner, _, ok := strings.Cut(cred.Repository, "/"); ok {
			org = owner
		}
	}

	sc, err := sealJSON(s.keys, credentialPayload{
		GitHubToken: cred.GitHubToken,
		GitHubUser:  cred.GitHubUser,
	})
	if err != nil {
		return err
	}
	return s.db.UpsertCredential(&db.CredentialRow{
		CodespaceName: cred.CodespaceName,
		GitHubUser:    cred.GitHubUser,
		Repository:    cred.Repository,
		Org:           org,
		SecretColumns: sc,
	})
}

// Get returns the live credential for one codespace. Absent and
// soft-expired rows both return ErrNotFound. Rows sealed under an old key
// version are transparently re-encrypted under the current one.
func (s *CredentialStore) Get(codespaceName string) (*Credential, error) {
	row, err := s.db.GetCredential(codespaceName)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return s.open(row)
}

// GetLatestForUser returns the most recently updated live credential owned
// by the user.
func (s *CredentialStore) GetLatestForUser(githubUser string) (*Credential, error) {
	row, err := s.db.GetLatestCredentialForUser(githubUser)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return s.open(row)
}

// GetAllForUser returns every codespace the user owns, newest first.
// Soft-expired entries are included with an empty token rather than
// omitted. Entries that fail to decrypt are likewise returned tokenless
// instead of failing the listing.
func (s *CredentialStore) GetAllForUser(githubUser string) ([]*Credential, error) {
	rows, err := s.db.ListCredentialsForUser(githubUser)
	if err != nil {
		return nil, err
	}
	out := make([]*Credential, 0, len(rows))
	for _, row := range rows {
		cred, err := s.open(row)
		if err != nil {
			cred = metadataOnly(row)
		}
		out = append(out, cred)
	}
	return out, nil
}

// SoftExpire nulls the secret columns for one codespace, keeping the row.
func (s *CredentialStore) SoftExpire(codespaceName string) error {
	return s.db.SoftExpireCredential(codespaceName)
}

// Delete removes the codespace entirely. Only used for explicit
// user-initiated removal; everything else soft-expires.
func (s *CredentialStore) Delete(codespaceName string) error {
	if err := s.db.DeleteActivity(codespaceName); err != nil {
		return err
	}
	return s.db.DeleteCredential(codespaceName)
}

// Sweep soft-expires credentials that have not been refreshed within the
// window.
func (s *CredentialStore) Sweep(olderThan time.Duration) (int64, error) {
	return s.db.SweepCredentials(s.now().Add(-olderThan))
}

func (s *CredentialStore) open(row *db.CredentialRow) (*Credential, error) {
	var payload credentialPayload
	stale, err := openJSON(s.keys, row.SecretColumns, &payload)
	if err != nil {
		return nil, err
	}
	if stale {
		sc, err := sealJSON(s.keys, payload)
		if err != nil {
			return nil, err
		}
		if err := s.db.UpdateCredentialSecret(row.CodespaceName, sc); err != nil {
			return nil, fmt.Errorf("rotate credential: %w", err)
		}
	}
	cred := metadataOnly(row)
	cred.GitHubToken = payload.GitHubToken
	return cred, nil
}

func metadataOnly(row *db.CredentialRow) *Credential {
	return &Credential{
		CodespaceName: row.CodespaceName,
		GitHubUser:    row.GitHubUser,
		Repository:    row.Repository,
		Org:           row.Org,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}
