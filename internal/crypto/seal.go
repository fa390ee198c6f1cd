package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	saltLen  = 16
	nonceLen = 12
)

// ErrDecrypt is returned when a sealed envelope fails to authenticate.
// Callers treat this the same as a missing record so that "corrupt" and
// "absent" are indistinguishable to the outside.
var ErrDecrypt = errors.New("decryption failed")

// Envelope is the at-rest form of an encrypted payload. The salt feeds key
// derivation and doubles as the GCM additional authenticated data, so a
// tampered salt also fails authentication.
type Envelope struct {
	KeyVersion int
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// deriveRecordKey stretches the master key into a per-record key via
// HKDF-SHA256 keyed by the record salt.
func deriveRecordKey(master [32]byte, salt []byte) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, master[:], salt, []byte("catnip-record"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive record key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under the current key version with a fresh salt
// and nonce.
func (m *KeyManager) Seal(plaintext []byte) (*Envelope, error) {
	master, err := m.Resolve(m.current)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	key, err := deriveRecordKey(master, salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		KeyVersion: m.current,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, salt),
	}, nil
}

// Open decrypts an envelope using the key version recorded in it. A missing
// key version or failed authentication both return ErrDecrypt.
func (m *KeyManager) Open(env *Envelope) ([]byte, error) {
	master, err := m.Resolve(env.KeyVersion)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(env.Nonce) != nonceLen {
		return nil, ErrDecrypt
	}

	key, err := deriveRecordKey(master, env.Salt)
	if err != nil {
		return nil, ErrDecrypt
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, ErrDecrypt
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, env.Salt)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
