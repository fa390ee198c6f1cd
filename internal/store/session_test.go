package store

import (
	"errors"
	"testing"
	"time"
)

func TestSessionRoundTrip(t *testing.T) {
	d := testDB(t)
	ss := NewSessionStore(d, testKeys(t, 1))

	sess := &Session{
		ID:           "sess-1",
		UserID:       42,
		Username:     "octocat",
		AccessToken:  "gho_access",
		RefreshToken: "ghr_refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := ss.Put(sess); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := ss.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != 42 || got.Username != "octocat" ||
		got.AccessToken != "gho_access" || got.RefreshToken != "ghr_refresh" {
		t.Fatalf("got %+v", got)
	}
}

func TestSessionExpiryDeletes(t *testing.T) {
	d := testDB(t)
	ss := NewSessionStore(d, testKeys(t, 1))

	if err := ss.Put(&Session{
		ID: "sess-1", UserID: 1, Username: "u", AccessToken: "tok",
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	ss.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := ss.Get("sess-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired session, got %v", err)
	}

	// The row is gone entirely, not just soft-expired.
	row, err := d.GetSession("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Fatal("expired session row should have been deleted")
	}
}

func TestSessionReadRefresh(t *testing.T) {
	d := testDB(t)
	ss := NewSessionStore(d, testKeys(t, 1))

	if err := ss.Put(&Session{
		ID: "sess-1", UserID: 1, Username: "u", AccessToken: "tok",
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	before, _ := d.GetSession("sess-1")
	if _, err := ss.Get("sess-1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	after, _ := d.GetSession("sess-1")

	// Fresh salt and nonce prove the payload was re-encrypted on read.
	if string(before.Salt) == string(after.Salt) {
		t.Error("salt unchanged after read-refresh")
	}
	if string(before.Nonce) == string(after.Nonce) {
		t.Error("nonce unchanged after read-refresh")
	}
}

func TestMobileTokenFlow(t *testing.T) {
	d := testDB(t)
	ss := NewSessionStore(d, testKeys(t, 1))

	sess := &Session{
		ID: "sess-1", UserID: 42, Username: "octocat", AccessToken: "tok",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := ss.Put(sess); err != nil {
		t.Fatal(err)
	}

	const token = "opaque-device-token"
	if err := ss.PutMobileToken(token, sess, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PutMobileToken: %v", err)
	}

	got, err := ss.GetByMobileToken(token)
	if err != nil {
		t.Fatalf("GetByMobileToken: %v", err)
	}
	if got.ID != "sess-1" || got.Username != "octocat" {
		t.Fatalf("got %+v", got)
	}

	// The raw token never touches the database.
	if row, _ := d.GetMobileToken(token); row != nil {
		t.Fatal("raw token stored unhashed")
	}

	if err := ss.DeleteMobileToken(token); err != nil {
		t.Fatalf("DeleteMobileToken: %v", err)
	}
	if _, err := ss.GetByMobileToken(token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}
}

func TestMobileTokenExpiry(t *testing.T) {
	d := testDB(t)
	ss := NewSessionStore(d, testKeys(t, 1))

	sess := &Session{
		ID: "sess-1", UserID: 1, Username: "u", AccessToken: "tok",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	ss.Put(sess)
	ss.PutMobileToken("short-lived", sess, time.Now().Add(time.Minute))

	ss.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := ss.GetByMobileToken("short-lived"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired mobile token, got %v", err)
	}
}

func TestSessionLogoutRevokesDeviceTokens(t *testing.T) {
	d := testDB(t)
	ss := NewSessionStore(d, testKeys(t, 1))

	sess := &Session{
		ID: "sess-1", UserID: 1, Username: "u", AccessToken: "tok",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	ss.Put(sess)
	ss.PutMobileToken("phone", sess, time.Now().Add(time.Hour))
	ss.PutMobileToken("tablet", sess, time.Now().Add(time.Hour))

	if err := ss.Delete("sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, tok := range []string{"phone", "tablet"} {
		if _, err := ss.GetByMobileToken(tok); !errors.Is(err, ErrNotFound) {
			t.Fatalf("token %q survived logout: %v", tok, err)
		}
	}
}
