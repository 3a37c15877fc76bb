package httpmw

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/shopgate/internal/apperr"
)

// Backstop is a process-wide token-bucket limiter in front of the
// per-identity limiter: one shared bucket for all traffic, defending the
// process itself from volumetric spikes that would exhaust connections
// before per-identity accounting even runs.
func Backstop(perSecond float64, burst int, rnd *apperr.Renderer) func(http.Handler) http.Handler {
	l := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				rnd.Render(w, r, apperr.New(apperr.KindRateLimit, "server is busy, retry shortly"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
