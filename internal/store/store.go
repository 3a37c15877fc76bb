// Package store provides the keyed state shared by the CSRF guard and the
// rate limiter: a small KV surface with TTLs plus an atomic fixed-window
// counter. Three backends exist: an in-process map (default), redis for
// multi-instance deployments, and bbolt for durable single-node state.
//
// Per-key operations are atomic with respect to concurrent requests for the
// same key. CompareAndDelete is the exclusive-consume primitive: of N
// concurrent callers presenting the same expected value, exactly one wins.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers decide whether to fail open or closed; the limiter defaults to
// closed.
var ErrUnavailable = errors.New("store unavailable")

// KV is TTL-scoped key/value state (CSRF token records).
type KV interface {
	// Get returns the live value for key. Expired entries read as absent.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)

	// Set writes val under key, replacing any prior value. ttl <= 0 means
	// no expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndDelete removes key only if its current value equals expect.
	// Returns true iff this call performed the delete.
	CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error)
}

// Windower is the atomic fixed-window counter used by the rate limiter.
type Windower interface {
	// TakeWindow records one request against key's current window.
	//
	// If no window exists or the current one has elapsed, a new window
	// starts with count=1 and the request is admitted. Otherwise the count
	// is incremented only when the result stays within limit; a denied
	// request leaves the counter untouched and retryAfter reports time
	// until the window resets.
	TakeWindow(ctx context.Context, key string, limit int64, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

// Store is the full surface the pipeline composes against.
type Store interface {
	KV
	Windower

	// Close releases backend resources. The in-memory store also stops its
	// janitor goroutine via the context passed at construction.
	Close() error
}
