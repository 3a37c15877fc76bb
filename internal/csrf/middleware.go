package csrf

import (
	"errors"
	"net/http"

	"github.com/keithlinneman/shopgate/internal/apperr"
	"github.com/keithlinneman/shopgate/internal/httpmw"
	"github.com/keithlinneman/shopgate/internal/log"
	"github.com/keithlinneman/shopgate/internal/session"
)

// ClientToken extracts the token a request carries: custom header first,
// then the decoded body field, then the token cookie.
func ClientToken(r *http.Request) string {
	if t := r.Header.Get(HeaderName); t != "" {
		return t
	}
	if body := httpmw.BodyFromContext(r.Context()); body != nil {
		if t, ok := body[BodyField].(string); ok && t != "" {
			return t
		}
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Middleware enforces the guard. Safe requests from a session get a token
// delivered; mutating requests must present one, unless the path is on the
// exemption allow-list (checked before any lookup).
func (g *Guard) Middleware(rnd *apperr.Renderer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			sess := session.FromContext(ctx)

			if safeMethod(r.Method) {
				if sess.ID != "" {
					if _, err := g.Refresh(ctx, w, sess.ID); err != nil {
						// issuing is best-effort on reads: the page still
						// renders, the next safe request retries
						log.FromContext(ctx).Warn(ctx, "csrf token issue failed", "err", err.Error())
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			if g.Exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if err := g.Verify(ctx, sess.ID, ClientToken(r)); err != nil {
				reason := "rejected"
				var ve *VerifyError
				if errors.As(err, &ve) {
					reason = ve.Reason
				}
				rnd.Render(w, r,
					apperr.Wrap(err, apperr.KindCSRF, "CSRF validation failed").
						WithDetails(map[string]any{"reason": reason}))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
