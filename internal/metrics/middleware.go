package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey string

const routeKey ctxKey = "route"

// statusWriter records the status code and body size that went to the client.
type statusWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

// Middleware observes inflight, totals, latency, and response size per request.
// Labels use the matched route pattern rather than the raw path.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// ensure a route context exists so RoutePattern is populated once the
		// inner mux has matched
		if chi.RouteContext(r.Context()) == nil {
			rctx := chi.NewRouteContext()
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			// handler never wrote anything
			status = http.StatusOK
		}

		route := routeLabel(r)
		m.reqTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.observeDuration(r.Context(), r.Method, route, time.Since(start).Seconds())
		m.respBytes.WithLabelValues(r.Method, route).Observe(float64(sw.n))
	})
}

// routeLabel prefers the chi route pattern, then an explicitly annotated
// route, then the raw URL path.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	if s, ok := r.Context().Value(routeKey).(string); ok && s != "" {
		return s
	}
	return r.URL.Path
}

func (m *ServerMetrics) observeDuration(ctx context.Context, method, route string, secs float64) {
	obs := m.reqDur.WithLabelValues(method, route)
	if ex := traceExemplar(ctx); ex != nil {
		if eo, ok := obs.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(secs, ex)
			return
		}
	}
	obs.Observe(secs)
}

// if a sampled trace is present attach its trace_id as an exemplar
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
