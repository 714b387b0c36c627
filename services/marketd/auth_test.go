package marketd

import (
	"bytes"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"aimarket/storage"
)

func signedRequest(t *testing.T, secret, apiKey, nonce string, at time.Time, body []byte) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	timestamp := strconv.FormatInt(at.Unix(), 10)
	signature := ComputeSignature(secret, timestamp, nonce, http.MethodPost, "/v1/jobs", body)
	r.Header.Set(HeaderAPIKey, apiKey)
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, hex.EncodeToString(signature))
	return r
}

func newTestAuthenticator(db storage.Database) (*Authenticator, time.Time) {
	now := time.Unix(1_700_000_000, 0)
	auth := NewAuthenticator([]APIKeyConfig{{Key: "client-1", Secret: "topsecret"}}, time.Minute, 5*time.Minute, db)
	auth.SetNowFunc(func() time.Time { return now })
	return auth, now
}

func TestAuthenticateValidSignature(t *testing.T) {
	auth, now := newTestAuthenticator(nil)
	body := []byte(`{"requester":"addr_req"}`)

	principal, err := auth.Authenticate(signedRequest(t, "topsecret", "client-1", "nonce-1", now, body), body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != "client-1" {
		t.Fatalf("principal %q", principal.APIKey)
	}
}

func TestAuthenticateMissingHeaders(t *testing.T) {
	auth, _ := newTestAuthenticator(nil)
	r := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)

	if _, err := auth.Authenticate(r, nil); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}

func TestAuthenticateUnknownKey(t *testing.T) {
	auth, now := newTestAuthenticator(nil)
	body := []byte(`{}`)

	if _, err := auth.Authenticate(signedRequest(t, "topsecret", "client-2", "nonce-1", now, body), body); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid, got %v", err)
	}
}

func TestAuthenticateWrongSecret(t *testing.T) {
	auth, now := newTestAuthenticator(nil)
	body := []byte(`{}`)

	if _, err := auth.Authenticate(signedRequest(t, "wrong", "client-1", "nonce-1", now, body), body); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid, got %v", err)
	}
}

func TestAuthenticateTamperedBody(t *testing.T) {
	auth, now := newTestAuthenticator(nil)
	body := []byte(`{"amount":"100"}`)
	r := signedRequest(t, "topsecret", "client-1", "nonce-1", now, body)

	if _, err := auth.Authenticate(r, []byte(`{"amount":"9999"}`)); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid for tampered body, got %v", err)
	}
}

func TestAuthenticateTimestampSkew(t *testing.T) {
	auth, now := newTestAuthenticator(nil)
	body := []byte(`{}`)

	stale := now.Add(-2 * time.Minute)
	if _, err := auth.Authenticate(signedRequest(t, "topsecret", "client-1", "nonce-1", stale, body), body); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid for stale timestamp, got %v", err)
	}
	future := now.Add(2 * time.Minute)
	if _, err := auth.Authenticate(signedRequest(t, "topsecret", "client-1", "nonce-2", future, body), body); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid for future timestamp, got %v", err)
	}
}

func TestAuthenticateNonceReplay(t *testing.T) {
	auth, now := newTestAuthenticator(nil)
	body := []byte(`{}`)

	if _, err := auth.Authenticate(signedRequest(t, "topsecret", "client-1", "nonce-1", now, body), body); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := auth.Authenticate(signedRequest(t, "topsecret", "client-1", "nonce-1", now, body), body); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
	// A fresh nonce still works.
	if _, err := auth.Authenticate(signedRequest(t, "topsecret", "client-1", "nonce-2", now, body), body); err != nil {
		t.Fatalf("fresh nonce: %v", err)
	}
}

func TestAuthenticateNonceSurvivesRestart(t *testing.T) {
	db := storage.NewMemDB()
	auth, now := newTestAuthenticator(db)
	body := []byte(`{}`)

	if _, err := auth.Authenticate(signedRequest(t, "topsecret", "client-1", "nonce-1", now, body), body); err != nil {
		t.Fatalf("first use: %v", err)
	}

	// A new authenticator over the same database rejects the replay.
	restarted, _ := newTestAuthenticator(db)
	if _, err := restarted.Authenticate(signedRequest(t, "topsecret", "client-1", "nonce-1", now, body), body); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected durable replay rejection, got %v", err)
	}
}

func TestAuthenticatorDisabledWithoutKeys(t *testing.T) {
	auth := NewAuthenticator(nil, 0, 0, nil)
	if auth.Enabled() {
		t.Fatal("authenticator enabled without keys")
	}
	r := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	principal, err := auth.Authenticate(r, nil)
	if err != nil || principal.APIKey != "" {
		t.Fatalf("pass-through failed: %v %+v", err, principal)
	}
}
