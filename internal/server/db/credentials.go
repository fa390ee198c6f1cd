package db

import (
	"database/sql"
	"fmt"
	"time"
)

const credentialColumns = `codespace_name, github_user, repository, org,
	key_version, salt, nonce, ciphertext, created_at, updated_at`

// UpsertCredential inserts or replaces a codespace credential. created_at
// is preserved when the codespace is already on file.
func (s *Store) UpsertCredential(row *CredentialRow) error {
	_, err := s.db.Exec(
		`INSERT INTO codespace_credentials
		   (codespace_name, github_user, repository, org, key_version, salt, nonce, ciphertext)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(codespace_name) DO UPDATE SET
		   github_user = excluded.github_user,
		   repository = excluded.repository,
		   org = excluded.org,
		   key_version = excluded.key_version,
		   salt = excluded.salt,
		   nonce = excluded.nonce,
		   ciphertext = excluded.ciphertext,
		   updated_at = CURRENT_TIMESTAMP`,
		row.CodespaceName, row.GitHubUser, row.Repository, row.Org,
		row.KeyVersion, row.Salt, row.Nonce, row.Ciphertext,
	)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// GetCredential retrieves a credential row by codespace name, or nil.
func (s *Store) GetCredential(codespaceName string) (*CredentialRow, error) {
	r := s.db.QueryRow(
		`SELECT `+credentialColumns+` FROM codespace_credentials WHERE codespace_name = ?`,
		codespaceName,
	)
	row, err := scanCredential(r)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return row, nil
}

// GetLatestCredentialForUser returns the most recently updated credential
// row owned by the user that still holds secrets, or nil.
func (s *Store) GetLatestCredentialForUser(githubUser string) (*CredentialRow, error) {
	r := s.db.QueryRow(
		`SELECT `+credentialColumns+` FROM codespace_credentials
		 WHERE github_user = ? AND ciphertext IS NOT NULL
		 ORDER BY updated_at DESC LIMIT 1`, githubUser,
	)
	row, err := scanCredential(r)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest credential: %w", err)
	}
	return row, nil
}

// ListCredentialsForUser returns every credential row owned by the user,
// soft-expired ones included, newest first.
func (s *Store) ListCredentialsForUser(githubUser string) ([]*CredentialRow, error) {
	rows, err := s.db.Query(
		`SELECT `+credentialColumns+` FROM codespace_credentials
		 WHERE github_user = ? ORDER BY updated_at DESC`, githubUser,
	)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*CredentialRow
	for rows.Next() {
		row, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// UpdateCredentialSecret rewrites the secret columns of an existing
// credential without touching metadata or updated_at ordering semantics
// beyond the bump.
func (s *Store) UpdateCredentialSecret(codespaceName string, sc SecretColumns) error {
	_, err := s.db.Exec(
		`UPDATE codespace_credentials SET key_version = ?, salt = ?, nonce = ?, ciphertext = ?,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE codespace_name = ?`,
		sc.KeyVersion, sc.Salt, sc.Nonce, sc.Ciphertext, codespaceName,
	)
	if err != nil {
		return fmt.Errorf("update credential secret: %w", err)
	}
	return nil
}

// SoftExpireCredential nulls the secret columns, keeping the row so the
// codespace remains visible to its owner.
func (s *Store) SoftExpireCredential(codespaceName string) error {
	_, err := s.db.Exec(
		`UPDATE codespace_credentials SET key_version = NULL, salt = NULL, nonce = NULL, ciphertext = NULL,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE codespace_name = ?`, codespaceName,
	)
	if err != nil {
		return fmt.Errorf("soft-expire credential: %w", err)
	}
	return nil
}

// DeleteCredential removes the row entirely (explicit user removal only).
func (s *Store) DeleteCredential(codespaceName string) error {
	_, err := s.db.Exec(`DELETE FROM codespace_credentials WHERE codespace_name = ?`, codespaceName)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// SweepCredentials soft-expires credentials not refreshed since the cutoff.
func (s *Store) SweepCredentials(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE codespace_credentials SET key_version = NULL, salt = NULL, nonce = NULL, ciphertext = NULL,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE updated_at < ? AND ciphertext IS NOT NULL`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep credentials: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(r rowScanner) (*CredentialRow, error) {
	row := &CredentialRow{}
	var keyVersion sql.NullInt64
	err := r.Scan(&row.CodespaceName, &row.GitHubUser, &row.Repository, &row.Org,
		&keyVersion, &row.Salt, &row.Nonce, &row.Ciphertext,
		&row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	row.KeyVersion = intPtr(keyVersion)
	return row, nil
}
