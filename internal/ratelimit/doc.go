// Package ratelimit bounds request volume per client identity over fixed
// time windows, with separate budgets per route class (auth, upload,
// general).
//
// Counters live in the shared store: with the in-memory backend this is a
// single-instance limiter; pointed at redis the same budgets hold across
// every server process. When the store is unreachable the limiter fails
// closed unless explicitly configured to fail open.
package ratelimit
