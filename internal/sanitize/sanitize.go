// Package sanitize normalizes untrusted string input before anything else in
// the pipeline sees it. Two levels exist: Strip (plain text, no markup at
// all) and Rich (a fixed allow-list of inline formatting, everything
// script-bearing removed). Both are idempotent and side-effect free.
package sanitize

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer holds the compiled policies. Construct once and share; policies
// are safe for concurrent use.
type Sanitizer struct {
	strict *bluemonday.Policy
	rich   *bluemonday.Policy
}

func New() *Sanitizer {
	strict := bluemonday.StrictPolicy()
	strict.SkipElementsContent("script", "style", "iframe", "object", "embed")

	// inline formatting only: no images, no media, no event handlers.
	// links keep href but only over safe protocols.
	rich := bluemonday.NewPolicy()
	rich.AllowElements("b", "i", "em", "strong", "u", "s", "sub", "sup",
		"p", "br", "ul", "ol", "li", "blockquote", "code", "pre")
	rich.AllowAttrs("href").OnElements("a")
	rich.AllowStandardURLs()
	rich.RequireNoFollowOnLinks(true)
	rich.SkipElementsContent("script", "style", "iframe", "object", "embed")

	return &Sanitizer{strict: strict, rich: rich}
}

// Strip removes all markup, returning plain text.
func (s *Sanitizer) Strip(v string) string {
	return strings.TrimSpace(s.strict.Sanitize(v))
}

// Rich keeps the inline-formatting allow-list and strips everything else,
// including javascript: links and on* attributes.
func (s *Sanitizer) Rich(v string) string {
	return strings.TrimSpace(s.rich.Sanitize(v))
}

// CleanMap walks a decoded body and sanitizes every string value in place of
// a copy (the input map is not mutated). Fields named in richFields get the
// Rich policy; all other strings get Strip. Non-string values pass through
// unchanged.
func (s *Sanitizer) CleanMap(body map[string]any, richFields map[string]bool) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = s.cleanValue(k, v, richFields)
	}
	return out
}

func (s *Sanitizer) cleanValue(key string, v any, richFields map[string]bool) any {
	switch t := v.(type) {
	case string:
		if richFields[key] {
			return s.Rich(t)
		}
		return s.Strip(t)
	case map[string]any:
		return s.CleanMap(t, richFields)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = s.cleanValue(key, el, richFields)
		}
		return out
	default:
		return v
	}
}
