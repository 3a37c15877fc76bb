package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/shopgate/internal/apperr"
	"github.com/keithlinneman/shopgate/internal/httpmw"
	"github.com/keithlinneman/shopgate/internal/opshttp"
	"github.com/keithlinneman/shopgate/internal/session"
	"github.com/keithlinneman/shopgate/internal/validate"
	"github.com/keithlinneman/shopgate/internal/xerrors"
)

// NewHandler assembles the security pipeline around the declared routes.
// main() owns *http.Server so it can do graceful shutdown.
//
// Wrapping order, outermost first: security headers, recover, request ID,
// client IP, backstop limiter, tracing, session, request logger, metrics,
// access log, max body, router. Per route the router adds: class rate
// limit, body decode + sanitize, CSRF, validation.
func NewHandler(opts *Options) http.Handler {
	rnd := opts.Renderer

	r := chi.NewRouter()

	r.Use(middleware.Compress(5,
		"text/html",
		"application/json",
		"text/javascript",
		"image/svg+xml",
	))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())

	if opts.Health != nil {
		r.Get("/-/healthy", opshttp.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", opshttp.ReadyzHandler(opts.Readiness))
	}

	for _, rt := range opts.Routes {
		mws := []func(http.Handler) http.Handler{
			opts.Limiter.Middleware(rt.EffectiveClass(), rnd),
			httpmw.DecodeBody(opts.Sanitizer, rnd, rt.RichFields...),
		}
		if !rt.CSRFExempt {
			mws = append(mws, opts.Guard.Middleware(rnd))
		}
		if len(rt.Rules) > 0 {
			mws = append(mws, validate.Middleware(rt.Rules, rnd))
		}
		r.With(mws...).MethodFunc(rt.Method, rt.Pattern, rt.Handler)
	}

	// consistent error shape even for unknown paths and wrong methods
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		rnd.Render(w, req, apperr.New(apperr.KindNotFound, "resource not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		rnd.Render(w, req, apperr.New(apperr.KindNotFound, "resource not found"))
	})

	// Outer pipeline, listed outermost first. Security headers sit outside
	// everything so even recovered panics carry them; client IP resolves
	// before anything keying off identity; the backstop runs ahead of
	// per-identity accounting.
	mws := []func(http.Handler) http.Handler{
		httpmw.SecurityHeaders,
	}
	if opts.UseRecoverMW {
		mws = append(mws, httpmw.Recover(opts.Logger, rnd, opts.OnPanic))
	}
	mws = append(mws,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
	)
	if opts.BackstopPerSecond > 0 {
		mws = append(mws, httpmw.Backstop(opts.BackstopPerSecond, opts.BackstopBurst, rnd))
	}
	mws = append(mws,
		tracingMW,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		session.Middleware(opts.Session),
		httpmw.WithLogger(opts.Logger),
	)
	if opts.MetricsMW != nil {
		mws = append(mws, opts.MetricsMW)
	}
	if opts.MaxBodyBytes > 0 {
		mws = append(mws, httpmw.MaxBody(opts.MaxBodyBytes))
	}

	return httpmw.Chain(r, mws...)
}

func tracingMW(next http.Handler) http.Handler {
	return otelhttp.NewHandler(
		next,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/-/healthy" && p != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span to the route pattern later
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start the public HTTP server.
// Returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
