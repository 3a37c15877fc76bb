// Package routes models the static per-route security declarations the
// pipeline consumes at startup: which budget class a route draws from,
// whether it is CSRF-exempt, and its field validation rules.
package routes

import (
	"net/http"

	"github.com/keithlinneman/shopgate/internal/ratelimit"
	"github.com/keithlinneman/shopgate/internal/validate"
)

// Route is one declared endpoint. The pipeline treats these as immutable
// configuration; handlers carry the business logic and are out of scope
// here.
type Route struct {
	Method  string
	Pattern string

	// Class selects the rate budget; empty means general.
	Class ratelimit.Class

	// CSRFExempt skips the guard for this route entirely (upload
	// ingestion, inbound webhooks). Prefix-based exemption in the guard
	// config is the coarser second mechanism.
	CSRFExempt bool

	// Rules run against the sanitized body in declaration order.
	Rules []validate.Rule

	// RichFields keep inline formatting during sanitization instead of
	// being stripped to plain text.
	RichFields []string

	Handler http.HandlerFunc
}

// EffectiveClass resolves the budget class, defaulting to general.
func (r Route) EffectiveClass() ratelimit.Class {
	if r.Class == "" {
		return ratelimit.ClassGeneral
	}
	return r.Class
}
