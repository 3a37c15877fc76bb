// Package apperr defines the closed error taxonomy for the request pipeline
// and normalizes anything thrown by a stage (or a downstream handler) into
// the single response shape clients see.
//
// Errors are a tagged value ({kind, status, message, details}) rather than a
// type hierarchy, so the normalizer can match exhaustively on Kind.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the wire-visible error code.
type Kind string

const (
	KindValidation     Kind = "VALIDATION_ERROR"
	KindCSRF           Kind = "CSRF_VALIDATION_FAILED"
	KindAuthentication Kind = "AUTHENTICATION_ERROR"
	KindAuthorization  Kind = "AUTHORIZATION_ERROR"
	KindNotFound       Kind = "NOT_FOUND"
	KindRateLimit      Kind = "RATE_LIMIT_EXCEEDED"
	KindDuplicate      Kind = "DUPLICATE_ENTRY"
	KindInvalidFormat  Kind = "INVALID_FORMAT"
	KindInvalidToken   Kind = "INVALID_TOKEN"
	KindTokenExpired   Kind = "TOKEN_EXPIRED"
	KindUpload         Kind = "UPLOAD_ERROR"
	KindInternal       Kind = "INTERNAL_ERROR"
)

// statusFor maps each kind to its default HTTP status. Closed set: anything
// not in this table is not a valid Kind.
var statusFor = map[Kind]int{
	KindValidation:     http.StatusBadRequest,
	KindCSRF:           http.StatusForbidden,
	KindAuthentication: http.StatusUnauthorized,
	KindAuthorization:  http.StatusForbidden,
	KindNotFound:       http.StatusNotFound,
	KindRateLimit:      http.StatusTooManyRequests,
	KindDuplicate:      http.StatusBadRequest,
	KindInvalidFormat:  http.StatusBadRequest,
	KindInvalidToken:   http.StatusUnauthorized,
	KindTokenExpired:   http.StatusUnauthorized,
	KindUpload:         http.StatusBadRequest,
	KindInternal:       http.StatusInternalServerError,
}

// StatusFor returns the default HTTP status for a kind, or 500 for an
// unknown kind (which indicates a programming error somewhere upstream).
func StatusFor(k Kind) int {
	if s, ok := statusFor[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the tagged error value carried through the pipeline.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Details any

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with its default status.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Status: StatusFor(kind), Message: msg}
}

// Newf is New with fmt-style message construction.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new Error. The cause is never serialized to
// clients; it only surfaces in server logs.
func Wrap(err error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Status: StatusFor(kind), Message: msg, cause: err}
}

// WithDetails sets the details payload and returns the same Error for chaining.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// Classify coerces an arbitrary error into a taxonomy member.
//
// Precedence:
//  1. already an *Error -> used verbatim
//  2. known upstream shapes (oversized body, malformed payload, duplicate
//     key, expired token) -> matching kind
//  3. everything else -> INTERNAL_ERROR
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return Wrap(err, KindUpload, fmt.Sprintf("request body exceeds %d bytes", maxBytes.Limit))
	}

	// string matching is a last resort for drivers that only expose text
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint"):
		return Wrap(err, KindDuplicate, "a record with those values already exists")
	case strings.Contains(msg, "token is expired") || strings.Contains(msg, "token expired"):
		return Wrap(err, KindTokenExpired, "token expired")
	case strings.Contains(msg, "invalid character") || strings.Contains(msg, "unexpected end of json"):
		return Wrap(err, KindInvalidFormat, "malformed request payload")
	}

	return Wrap(err, KindInternal, "internal server error")
}
