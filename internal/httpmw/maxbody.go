package httpmw

import "net/http"

// MaxBody caps the request body at n bytes. The cap is enforced lazily by
// the reader, so oversized uploads fail with 413 when the handler reads.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
