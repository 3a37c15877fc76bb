// Package validate checks decoded request bodies against per-route field
// rules. Rules run in declaration order and all of them run; the caller gets
// every violation in one pass instead of fixing errors one at a time.
//
// Validation assumes input has already been through the sanitizer, so length
// bounds count visible characters rather than markup.
package validate

import (
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"unicode/utf8"
)

// FieldError is one violated rule, request-scoped and never persisted.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Rule is a single field predicate plus its human-readable failure message.
type Rule struct {
	Field string
	check func(v any, present bool) (msg string, ok bool)
}

// Validate runs every rule against input and accumulates failures. An empty
// result means the input is valid. Input is never mutated.
func Validate(rules []Rule, input map[string]any) []FieldError {
	var errs []FieldError
	for _, r := range rules {
		v, present := input[r.Field]
		if msg, ok := r.check(v, present); !ok {
			errs = append(errs, FieldError{Field: r.Field, Message: msg})
		}
	}
	return errs
}

// Required fails when the field is absent, nil, or an empty string.
func Required(field string) Rule {
	return Rule{Field: field, check: func(v any, present bool) (string, bool) {
		if !present || v == nil {
			return field + " is required", false
		}
		if s, isStr := v.(string); isStr && s == "" {
			return field + " is required", false
		}
		return "", true
	}}
}

// Length bounds the rune count of a string field. Absent fields pass
// (combine with Required when the field is mandatory).
func Length(field string, min, max int) Rule {
	return Rule{Field: field, check: func(v any, present bool) (string, bool) {
		s, isStr := stringValue(v, present)
		if !isStr {
			return "", true
		}
		n := utf8.RuneCountInString(s)
		if n < min || n > max {
			return fmt.Sprintf("%s must be between %d and %d characters", field, min, max), false
		}
		return "", true
	}}
}

// Matches checks the field against a compiled pattern.
func Matches(field string, re *regexp.Regexp, msg string) Rule {
	return Rule{Field: field, check: func(v any, present bool) (string, bool) {
		s, isStr := stringValue(v, present)
		if !isStr {
			return "", true
		}
		if !re.MatchString(s) {
			return msg, false
		}
		return "", true
	}}
}

// Email checks RFC 5322 address shape via net/mail.
func Email(field string) Rule {
	return Rule{Field: field, check: func(v any, present bool) (string, bool) {
		s, isStr := stringValue(v, present)
		if !isStr {
			return "", true
		}
		if _, err := mail.ParseAddress(s); err != nil {
			return field + " must be a valid email address", false
		}
		return "", true
	}}
}

var phoneRe = regexp.MustCompile(`^\+?[0-9 ().-]{7,20}$`)

// Phone accepts international digit strings with common separators.
func Phone(field string) Rule {
	return Matches(field, phoneRe, field+" must be a valid phone number")
}

// Range bounds a numeric field. JSON numbers decode as float64; numeric
// strings are parsed so form posts work too. Non-numeric values fail.
func Range(field string, min, max float64) Rule {
	return Rule{Field: field, check: func(v any, present bool) (string, bool) {
		if !present || v == nil {
			return "", true
		}
		n, ok := numberValue(v)
		if !ok {
			return field + " must be a number", false
		}
		if n < min || n > max {
			return fmt.Sprintf("%s must be between %g and %g", field, min, max), false
		}
		return "", true
	}}
}

// OneOf restricts a string field to a fixed set of values.
func OneOf(field string, allowed ...string) Rule {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	return Rule{Field: field, check: func(v any, present bool) (string, bool) {
		s, isStr := stringValue(v, present)
		if !isStr {
			return "", true
		}
		if !set[s] {
			return fmt.Sprintf("%s must be one of the allowed values", field), false
		}
		return "", true
	}}
}

func stringValue(v any, present bool) (string, bool) {
	if !present || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func numberValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
