package httpmw

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/keithlinneman/shopgate/internal/apperr"
	"github.com/keithlinneman/shopgate/internal/sanitize"
)

type bodyKey struct{}

// BodyFromContext returns the decoded, sanitized request body stored by
// DecodeBody, or nil when no body middleware ran.
func BodyFromContext(ctx context.Context) map[string]any {
	m, _ := ctx.Value(bodyKey{}).(map[string]any)
	return m
}

// WithBody attaches a decoded body to the context (exported for tests).
func WithBody(ctx context.Context, body map[string]any) context.Context {
	return context.WithValue(ctx, bodyKey{}, body)
}

// DecodeBody parses a mutating request's JSON or form body into a map,
// passes every string field through the sanitizer, and stores the result in
// context for the CSRF guard and validator downstream. Fields listed in
// richFields keep the inline-formatting allow-list instead of being
// stripped to plain text.
//
// Malformed payloads short-circuit with INVALID_FORMAT; oversized bodies
// surface the MaxBody limit as UPLOAD_ERROR.
func DecodeBody(s *sanitize.Sanitizer, rnd *apperr.Renderer, richFields ...string) func(http.Handler) http.Handler {
	rich := make(map[string]bool, len(richFields))
	for _, f := range richFields {
		rich[f] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			body, err := decode(r)
			if err != nil {
				rnd.Render(w, r, err)
				return
			}

			clean := s.CleanMap(body, rich)
			if clean == nil {
				clean = map[string]any{}
			}
			next.ServeHTTP(w, r.WithContext(WithBody(r.Context(), clean)))
		})
	}
}

func decode(r *http.Request) (map[string]any, error) {
	ct := r.Header.Get("Content-Type")
	if ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			ct = parsed
		}
	}

	switch {
	case ct == "" || strings.HasSuffix(ct, "/json"):
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			// MaxBytesReader errors land here
			return nil, apperr.Classify(err)
		}
		if len(raw) == 0 {
			return map[string]any{}, nil
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInvalidFormat, "request body must be a JSON object")
		}
		return m, nil

	case ct == "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, apperr.Classify(err)
		}
		m := make(map[string]any, len(r.PostForm))
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				m[k] = vs[0]
			}
		}
		return m, nil

	default:
		// unrecognized content types (multipart uploads etc) pass through
		// undecoded; exempt upload routes read the body themselves
		return map[string]any{}, nil
	}
}
