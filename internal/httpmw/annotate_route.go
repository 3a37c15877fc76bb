package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AnnotateHTTPRoute renames the server span after the matched chi route
// pattern and sets http.route, so traces group by route instead of raw path.
// Runs after the handler since the pattern is only known post-match.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		if span == nil || !span.IsRecording() {
			return
		}

		pattern := ""
		if rc := chi.RouteContext(ctx); rc != nil {
			pattern = rc.RoutePattern()
		}
		if pattern == "" {
			pattern = r.URL.Path
		}
		span.SetAttributes(attribute.String("http.route", pattern))
		span.SetName(r.Method + " " + pattern)
	})
}
