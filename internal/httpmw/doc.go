// Package httpmw provides the HTTP middleware stages of the request security
// pipeline.
//
// Stages are plain func(http.Handler) http.Handler values composed in
// httpserver.NewHandler in a fixed order: security headers, request ID,
// client IP extraction, the global backstop limiter, per-class rate
// limiting, body decode + sanitization, CSRF, validation, then the business
// handler. Each stage either passes the (possibly annotated) request along
// or short-circuits with a normalized error response.
//
// Every stage is independently testable and reorderable. User-supplied data
// (query params, user-agent, raw headers) is intentionally excluded from
// logs to prevent PII leaks and log injection.
package httpmw
