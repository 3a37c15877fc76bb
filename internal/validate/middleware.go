package validate

import (
	"net/http"

	"github.com/keithlinneman/shopgate/internal/apperr"
	"github.com/keithlinneman/shopgate/internal/httpmw"
)

// Middleware checks the decoded body against the route's rules and rejects
// with a single VALIDATION_ERROR carrying every violated field. Safe methods
// pass through untouched.
func Middleware(rules []Rule, rnd *apperr.Renderer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			body := httpmw.BodyFromContext(r.Context())
			if body == nil {
				body = map[string]any{}
			}

			if errs := Validate(rules, body); len(errs) > 0 {
				rnd.Render(w, r,
					apperr.New(apperr.KindValidation, "request validation failed").
						WithDetails(errs))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
