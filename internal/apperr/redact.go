package apperr

import "strings"

// sensitiveKeyParts match by substring against lowercased key names.
// Anything matching is masked before the value reaches a log line.
var sensitiveKeyParts = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"authorization",
	"cookie",
	"api_key",
	"apikey",
	"credit_card",
	"card_number",
	"cvv",
	"ssn",
	"email",
	"phone",
}

const redactedPlaceholder = "[REDACTED]"

// SensitiveKey reports whether a field name looks like it carries a
// credential or contact detail.
func SensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// Redact returns a copy of v with values under sensitive key names replaced.
// Maps and slices are walked recursively; scalars pass through untouched.
// The input is never mutated.
func Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if SensitiveKey(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val)
		}
		return out
	default:
		return v
	}
}
