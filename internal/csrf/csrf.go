// Package csrf issues, delivers, and verifies anti-forgery tokens bound to a
// session identity.
//
// Per session the token moves through NONE -> ISSUED -> (CONSUMED | EXPIRED).
// Safe requests from a session get a token issued (or the live one
// re-delivered); mutating requests must echo it back, where it is compared in
// constant time and consumed exactly once. Expired records are removed both
// on sight and by the store's background sweep.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/shopgate/internal/store"
	"github.com/keithlinneman/shopgate/internal/xerrors"
)

const (
	// CookieName is readable by client script on purpose: the client must
	// echo the value back in a header or body field.
	CookieName = "csrf-token"
	// HeaderName carries the token on responses (issue) and requests
	// (verify, highest priority).
	HeaderName = "X-CSRF-Token"
	// BodyField is the fallback body field for form posts.
	BodyField = "_csrf"

	tokenBytes = 32 // 256-bit token, hex encoded on the wire
)

// Record is the stored token state for one session. Exactly one live record
// exists per session: issuing replaces, never adds.
type Record struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Rejection reasons, surfaced in error details and metrics labels.
const (
	ReasonNoSession    = "no session"
	ReasonTokenMissing = "token missing"
	ReasonNoRecord     = "no token issued"
	ReasonExpired      = "token expired"
	ReasonMismatch     = "token mismatch"
	ReasonConsumed     = "token already used"
	ReasonStoreError   = "token store unavailable"
)

// VerifyError carries the rejection reason; the middleware maps every one of
// these to the single CSRF_VALIDATION_FAILED code.
type VerifyError struct {
	Reason string
	cause  error
}

func (e *VerifyError) Error() string {
	if e.cause != nil {
		return "csrf: " + e.Reason + ": " + e.cause.Error()
	}
	return "csrf: " + e.Reason
}

func (e *VerifyError) Unwrap() error { return e.cause }

// Guard owns the token store keys. No other component reads or writes them.
type Guard struct {
	kv           store.KV
	ttl          time.Duration
	secureCookie bool
	exempt       []string

	// OnIssued/OnConsumed/OnRejected are metrics hooks.
	OnIssued   func()
	OnConsumed func()
	OnRejected func(reason string)

	now func() time.Time
}

type Option func(*Guard)

// WithTTL sets token lifetime (default 1 hour).
func WithTTL(d time.Duration) Option {
	return func(g *Guard) { g.ttl = d }
}

// WithSecureCookie marks the cookie Secure; on in production.
func WithSecureCookie(secure bool) Option {
	return func(g *Guard) { g.secureCookie = secure }
}

// WithExemptPrefixes sets the path-prefix allow-list checked before any
// lookup (upload ingestion, inbound webhooks, health checks).
func WithExemptPrefixes(prefixes []string) Option {
	return func(g *Guard) { g.exempt = prefixes }
}

func WithOnIssued(fn func()) Option { return func(g *Guard) { g.OnIssued = fn } }

func WithOnConsumed(fn func()) Option { return func(g *Guard) { g.OnConsumed = fn } }

func WithOnRejected(fn func(string)) Option { return func(g *Guard) { g.OnRejected = fn } }

func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

func New(kv store.KV, opts ...Option) *Guard {
	g := &Guard{
		kv:  kv,
		ttl: time.Hour,
		now: time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Exempt reports whether the path matches the exemption allow-list.
func (g *Guard) Exempt(path string) bool {
	for _, p := range g.exempt {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func key(sessionID string) string { return "csrf:" + sessionID }

// Issue generates a fresh token for the session, replacing any live one, and
// delivers it via the readable cookie plus the response header.
func (g *Guard) Issue(ctx context.Context, w http.ResponseWriter, sessionID string) (string, error) {
	var raw [tokenBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", xerrors.Wrap(err, "csrf token generation")
	}
	token := hex.EncodeToString(raw[:])

	now := g.now()
	rec := Record{
		Token:     token,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.ttl),
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return "", xerrors.Wrap(err, "csrf record encode")
	}
	if err := g.kv.Set(ctx, key(sessionID), blob, g.ttl); err != nil {
		return "", xerrors.Wrap(err, "csrf record store")
	}

	g.deliver(w, token)
	if g.OnIssued != nil {
		g.OnIssued()
	}
	return token, nil
}

// Refresh re-delivers the live token for the session if one exists,
// otherwise issues a new one. Called on safe requests.
func (g *Guard) Refresh(ctx context.Context, w http.ResponseWriter, sessionID string) (string, error) {
	blob, ok, err := g.kv.Get(ctx, key(sessionID))
	if err != nil {
		return "", xerrors.Wrap(err, "csrf record load")
	}
	if ok {
		var rec Record
		if json.Unmarshal(blob, &rec) == nil && g.now().Before(rec.ExpiresAt) {
			g.deliver(w, rec.Token)
			return rec.Token, nil
		}
	}
	return g.Issue(ctx, w, sessionID)
}

func (g *Guard) deliver(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.ttl.Seconds()),
		HttpOnly: false, // client script must read it to echo it back
		Secure:   g.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	w.Header().Set(HeaderName, token)
}

// Verify checks the client-supplied token for a mutating request and
// consumes the stored record on success. Exactly one of N concurrent
// requests racing on the same token succeeds; the rest see ReasonConsumed.
//
// supplied is the token extracted by the middleware (header, body field, or
// cookie, in that priority).
func (g *Guard) Verify(ctx context.Context, sessionID, supplied string) error {
	if sessionID == "" {
		return g.reject(ReasonNoSession, nil)
	}
	if supplied == "" {
		return g.reject(ReasonTokenMissing, nil)
	}

	blob, ok, err := g.kv.Get(ctx, key(sessionID))
	if err != nil {
		// fail safe: never accept when we cannot check
		return g.reject(ReasonStoreError, err)
	}
	if !ok {
		return g.reject(ReasonNoRecord, nil)
	}

	var rec Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		_ = g.kv.Delete(ctx, key(sessionID))
		return g.reject(ReasonNoRecord, err)
	}

	// boundary is inclusive: a token expiring at t is rejected at any
	// check >= t
	if !g.now().Before(rec.ExpiresAt) {
		_ = g.kv.Delete(ctx, key(sessionID))
		return g.reject(ReasonExpired, nil)
	}

	if !tokenEqual(rec.Token, supplied) {
		return g.reject(ReasonMismatch, nil)
	}

	// single-use: delete must be exclusive, compare against the exact
	// stored bytes we read
	deleted, err := g.kv.CompareAndDelete(ctx, key(sessionID), blob)
	if err != nil {
		return g.reject(ReasonStoreError, err)
	}
	if !deleted {
		// a concurrent request consumed it first
		return g.reject(ReasonConsumed, nil)
	}

	if g.OnConsumed != nil {
		g.OnConsumed()
	}
	return nil
}

// tokenEqual compares the stored token against the supplied one without
// leaking the position of a mismatch through timing.
func tokenEqual(stored, supplied string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

func (g *Guard) reject(reason string, cause error) error {
	if g.OnRejected != nil {
		g.OnRejected(reason)
	}
	return &VerifyError{Reason: reason, cause: cause}
}
