package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/shopgate/internal/version"
)

// ServerMetrics is the registry for the security pipeline. Safe labels only
// (method, route pattern, status, class, reason) to avoid cardinality
// explosions from raw paths or identities.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec

	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	ratelimitDeniedTotal *prometheus.CounterVec
	csrfIssuedTotal      prometheus.Counter
	csrfConsumedTotal    prometheus.Counter
	csrfRejectedTotal    *prometheus.CounterVec
	errorsTotal          *prometheus.CounterVec
	storeSweepRemoved    prometheus.Counter
	storeErrorsTotal     prometheus.Counter
}

// New returns a fresh registry with standard collectors plus the pipeline
// instrumentation.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered request handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the rate limiter, by route class",
		}, []string{"class"}),
		csrfIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csrf_tokens_issued_total",
			Help: "Total CSRF tokens issued",
		}),
		csrfConsumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csrf_tokens_consumed_total",
			Help: "Total CSRF tokens successfully validated and consumed",
		}),
		csrfRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csrf_rejected_total",
			Help: "Total mutating requests rejected by the CSRF guard, by reason",
		}, []string{"reason"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total error responses by taxonomy code and status",
		}, []string{"code", "status"}),
		storeSweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_sweep_removed_total",
			Help: "Total expired entries removed by the background store sweep",
		}),
		storeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Total errors from the backing token/counter store",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.csrfIssuedTotal,
		m.csrfConsumedTotal,
		m.csrfRejectedTotal,
		m.errorsTotal,
		m.storeSweepRemoved,
		m.storeErrorsTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app string, vi *version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"go_version": vi.GoVersion,
	}).Set(1)
}

func (m *ServerMetrics) IncHttpPanic() { m.httpPanicTotal.Inc() }

func (m *ServerMetrics) IncRateLimitDenied(class string) {
	m.ratelimitDeniedTotal.WithLabelValues(class).Inc()
}

func (m *ServerMetrics) IncCSRFIssued()   { m.csrfIssuedTotal.Inc() }
func (m *ServerMetrics) IncCSRFConsumed() { m.csrfConsumedTotal.Inc() }

func (m *ServerMetrics) IncCSRFRejected(reason string) {
	m.csrfRejectedTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncError(code string, status int) {
	m.errorsTotal.WithLabelValues(code, strconv.Itoa(status)).Inc()
}

func (m *ServerMetrics) AddSweepRemoved(n int) {
	if n > 0 {
		m.storeSweepRemoved.Add(float64(n))
	}
}

func (m *ServerMetrics) IncStoreError() { m.storeErrorsTotal.Inc() }
