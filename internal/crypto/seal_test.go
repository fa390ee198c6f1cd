package crypto

import (
	"crypto/rand"
	"testing"
)

func randomKey(t *testing.T) [32]byte {
	t.Helper()
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatal(err)
	}
	return key
}

func newTestManager(t *testing.T, versions ...int) *KeyManager {
	t.Helper()
	keys := make(map[int][32]byte, len(versions))
	for _, v := range versions {
		keys[v] = randomKey(t)
	}
	m, err := NewKeyManager(keys)
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	return m
}

func TestSeal_RoundTrip(t *testing.T) {
	m := newTestManager(t, 1)
	plaintext := []byte("sensitive data")

	env, err := m.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if env.KeyVersion != 1 {
		t.Errorf("KeyVersion = %d, want 1", env.KeyVersion)
	}

	got, err := m.Open(env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestSeal_UsesCurrentVersion(t *testing.T) {
	m := newTestManager(t, 1, 2)
	if m.CurrentVersion() != 2 {
		t.Fatalf("CurrentVersion = %d, want 2", m.CurrentVersion())
	}

	env, err := m.Seal([]byte("x"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if env.KeyVersion != 2 {
		t.Errorf("sealed under version %d, want 2", env.KeyVersion)
	}
}

func TestOpen_OldVersionAfterRotation(t *testing.T) {
	v1 := randomKey(t)
	m1, err := NewKeyManager(map[int][32]byte{1: v1})
	if err != nil {
		t.Fatal(err)
	}
	env, err := m1.Seal([]byte("written under v1"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Same v1 key plus a new v2 key: old envelope must still open.
	m2, err := NewKeyManager(map[int][32]byte{1: v1, 2: randomKey(t)})
	if err != nil {
		t.Fatal(err)
	}
	got, err := m2.Open(env)
	if err != nil {
		t.Fatalf("Open after rotation: %v", err)
	}
	if string(got) != "written under v1" {
		t.Fatalf("got %q", got)
	}
}

func TestOpen_MissingVersion(t *testing.T) {
	m1 := newTestManager(t, 1)
	env, err := m1.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	m2 := newTestManager(t, 2)
	if _, err := m2.Open(env); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt for unknown key version, got %v", err)
	}
}

func TestOpen_Tampered(t *testing.T) {
	m := newTestManager(t, 1)
	env, err := m.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	env.Ciphertext[0] ^= 0xff
	if _, err := m.Open(env); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt for tampered ciphertext, got %v", err)
	}

	env.Ciphertext[0] ^= 0xff
	env.Salt[0] ^= 0xff
	if _, err := m.Open(env); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt for tampered salt, got %v", err)
	}
}

func TestParseMasterKeys(t *testing.T) {
	hex64 := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

	keys, err := ParseMasterKeys("1:" + hex64 + ", 2:" + hex64)
	if err != nil {
		t.Fatalf("ParseMasterKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys", len(keys))
	}

	// Bare key defaults to version 1.
	keys, err = ParseMasterKeys(hex64)
	if err != nil {
		t.Fatalf("ParseMasterKeys bare: %v", err)
	}
	if _, ok := keys[1]; !ok {
		t.Fatal("bare key not stored as version 1")
	}

	for _, bad := range []string{"", "1:deadbeef", "x:" + hex64, "1:" + hex64 + ",1:" + hex64} {
		if _, err := ParseMasterKeys(bad); err == nil {
			t.Errorf("ParseMasterKeys(%q): expected error", bad)
		}
	}
}

func TestResolve_NotFound(t *testing.T) {
	m := newTestManager(t, 1)
	if _, err := m.Resolve(9); err == nil {
		t.Fatal("expected error for unknown version")
	}
}
