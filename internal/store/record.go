package store

import (
	"encoding/json"
	"fmt"

	"github.com/vanpelt/catnip-proxy/internal/crypto"
	"github.com/vanpelt/catnip-proxy/internal/server/db"
)

// sealJSON serializes v and encrypts it under the current key version,
// returning the four secret columns for persistence.
func sealJSON(keys *crypto.KeyManager, v any) (db.SecretColumns, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return db.SecretColumns{}, fmt.Errorf("marshal payload: %w", err)
	}
	env, err := keys.Seal(plaintext)
	if err != nil {
		return db.SecretColumns{}, err
	}
	version := env.KeyVersion
	return db.SecretColumns{
		KeyVersion: &version,
		Salt:       env.Salt,
		Nonce:      env.Nonce,
		Ciphertext: env.Ciphertext,
	}, nil
}

// openJSON decrypts the secret columns into v. It reports whether the
// record was sealed under an older key version and is due for lazy
// re-encryption. Soft-expired columns return ErrNotFound; a failed
// decryption returns ErrDecryption.
func openJSON(keys *crypto.KeyManager, sc db.SecretColumns, v any) (stale bool, err error) {
	if sc.Expired() {
		return false, ErrNotFound
	}
	plaintext, err := keys.Open(&crypto.Envelope{
		KeyVersion: *sc.KeyVersion,
		Salt:       sc.Salt,
		Nonce:      sc.Nonce,
		Ciphertext: sc.Ciphertext,
	})
	if err != nil {
		return false, ErrDecryption
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return false, ErrDecryption
	}
	return *sc.KeyVersion != keys.CurrentVersion(), nil
}
