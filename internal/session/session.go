// Package session reads the identity supplied by the external session
// manager. This pipeline never creates or destroys sessions; it only needs a
// stable opaque id to key CSRF state, and a principal id where one exists.
package session

import (
	"context"
	"net/http"
)

// Identity correlates a client to server-held state.
type Identity struct {
	// ID is the opaque session identifier. Empty means no session.
	ID string
	// Principal is the authenticated account id, empty for anonymous
	// sessions.
	Principal string
}

// Extractor pulls the identity off a request. The default reads the
// session_token cookie the upstream session manager sets; deployments with a
// different session transport swap in their own func.
type Extractor func(r *http.Request) Identity

// CookieExtractor returns an Extractor reading the named cookie.
func CookieExtractor(name string) Extractor {
	return func(r *http.Request) Identity {
		c, err := r.Cookie(name)
		if err != nil || c.Value == "" {
			return Identity{}
		}
		return Identity{ID: c.Value}
	}
}

type ctxKey struct{}

// Middleware resolves the identity once per request and stores it in
// context for the CSRF guard and handlers downstream.
func Middleware(extract Extractor) func(http.Handler) http.Handler {
	if extract == nil {
		extract = CookieExtractor("session_token")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := extract(r)
			ctx := context.WithValue(r.Context(), ctxKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the identity resolved by Middleware, zero if absent.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	return id
}
