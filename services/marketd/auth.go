package marketd

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"aimarket/storage"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"

	maxTimestampSkew = 2 * time.Minute
	maxNonceWindow   = 10 * time.Minute
)

var (
	// ErrAuthRequired is returned when credentials are missing.
	ErrAuthRequired = errors.New("marketd: authentication required")
	// ErrAuthInvalid is returned for bad keys, stale timestamps or signature
	// mismatches. The cause is deliberately not distinguished to callers.
	ErrAuthInvalid = errors.New("marketd: authentication invalid")
)

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
// Nonces are persisted so a restart does not reopen the replay window.
type Authenticator struct {
	secrets  map[string]string
	skew     time.Duration
	nonceTTL time.Duration
	nowFn    func() time.Time

	db storage.Database

	mu     sync.Mutex
	nonces map[string]int64
}

// NewAuthenticator builds an Authenticator keyed by the provided secrets. The
// map contains API key identifiers mapped to their shared secret. db may be
// nil to keep nonces in memory only.
func NewAuthenticator(keys []APIKeyConfig, skew, nonceTTL time.Duration, db storage.Database) *Authenticator {
	secrets := make(map[string]string, len(keys))
	for _, key := range keys {
		secrets[strings.TrimSpace(key.Key)] = strings.TrimSpace(key.Secret)
	}
	if skew <= 0 || skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	if nonceTTL <= 0 || nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	return &Authenticator{
		secrets:  secrets,
		skew:     skew,
		nonceTTL: nonceTTL,
		nowFn:    time.Now,
		db:       db,
		nonces:   make(map[string]int64),
	}
}

// SetNowFunc overrides the wall clock, used in tests.
func (a *Authenticator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	a.nowFn = now
}

// Enabled reports whether any API keys are configured. With none, requests
// pass through unauthenticated for local development setups.
func (a *Authenticator) Enabled() bool {
	return len(a.secrets) > 0
}

// Authenticate verifies the request headers against the signed body.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (Principal, error) {
	if !a.Enabled() {
		return Principal{}, nil
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if apiKey == "" || timestamp == "" || nonce == "" || signature == "" {
		return Principal{}, ErrAuthRequired
	}
	secret, ok := a.secrets[apiKey]
	if !ok {
		return Principal{}, ErrAuthInvalid
	}
	issued, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return Principal{}, ErrAuthInvalid
	}
	now := a.nowFn()
	if delta := now.Unix() - issued; delta > int64(a.skew/time.Second) || -delta > int64(a.skew/time.Second) {
		return Principal{}, ErrAuthInvalid
	}
	expected := ComputeSignature(secret, timestamp, nonce, r.Method, canonicalPath(r), body)
	provided, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(provided, expected) {
		return Principal{}, ErrAuthInvalid
	}
	if err := a.ensureNonce(apiKey, nonce, now); err != nil {
		return Principal{}, err
	}
	return Principal{APIKey: apiKey}, nil
}

// ComputeSignature derives the HMAC-SHA256 signature clients must send.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, hex.EncodeToString(digest[:])}, "\n")
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func canonicalPath(r *http.Request) string {
	path := r.URL.EscapedPath()
	if path == "" {
		return "/"
	}
	return path
}

func nonceKey(apiKey, nonce string) []byte {
	return []byte("marketd/nonce/" + apiKey + "/" + nonce)
}

func (a *Authenticator) ensureNonce(apiKey, nonce string, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := now.Add(-a.nonceTTL).Unix()
	for key, seen := range a.nonces {
		if seen < cutoff {
			delete(a.nonces, key)
		}
	}
	memKey := apiKey + "/" + nonce
	if _, seen := a.nonces[memKey]; seen {
		return ErrAuthInvalid
	}
	if a.db != nil {
		key := nonceKey(apiKey, nonce)
		exists, err := a.db.Has(key)
		if err != nil {
			return fmt.Errorf("marketd: nonce store: %w", err)
		}
		if exists {
			return ErrAuthInvalid
		}
		if err := a.db.Put(key, []byte(strconv.FormatInt(now.Unix(), 10))); err != nil {
			return fmt.Errorf("marketd: nonce store: %w", err)
		}
	}
	a.nonces[memKey] = now.Unix()
	return nil
}
