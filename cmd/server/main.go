package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/shopgate/internal/apperr"
	"github.com/keithlinneman/shopgate/internal/cfg"
	"github.com/keithlinneman/shopgate/internal/csrf"
	"github.com/keithlinneman/shopgate/internal/httpmw"
	"github.com/keithlinneman/shopgate/internal/httpserver"
	"github.com/keithlinneman/shopgate/internal/log"
	"github.com/keithlinneman/shopgate/internal/metrics"
	"github.com/keithlinneman/shopgate/internal/opshttp"
	"github.com/keithlinneman/shopgate/internal/otelx"
	"github.com/keithlinneman/shopgate/internal/probe"
	"github.com/keithlinneman/shopgate/internal/prof"
	"github.com/keithlinneman/shopgate/internal/ratelimit"
	"github.com/keithlinneman/shopgate/internal/sanitize"
	"github.com/keithlinneman/shopgate/internal/session"
	"github.com/keithlinneman/shopgate/internal/shophttp"
	"github.com/keithlinneman/shopgate/internal/store"
	v "github.com/keithlinneman/shopgate/internal/version"
)

const appName = "shopgate"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// .env is a development convenience, loaded before env fill so its
	// values behave like real environment variables
	if err := cfg.LoadDotenv(""); err != nil {
		fmt.Fprintln(os.Stderr, "dotenv load error:", err)
		os.Exit(1)
	}

	// Fill in config from environment variables with prefix SHOPGATE_ and validate
	cfg.FillFromEnv(flag.CommandLine, "SHOPGATE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             appName,
		Version:         vi.Version,
		Commit:          vi.Commit,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"env", conf.Env,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"store", conf.StoreBackend,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"csrf_ttl", conf.CSRFTTL,
		"rate_fail_open", conf.RateFailOpen,
		"trusted_hops", conf.TrustedHops,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics / admin listener
	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, &vi)

	// Token/counter store: shared by the CSRF guard and the rate limiter.
	// memory is single-process; redis shares state across processes; bolt
	// survives restarts on one node.
	st, err := newStore(ctx, conf, m)
	if err != nil {
		L.Error(ctx, err, "store init failed", "backend", conf.StoreBackend)
		os.Exit(1)
	}
	// closed once by the ordered shutdown sequence below
	L.Info(ctx, "store ready", "backend", conf.StoreBackend)

	// Per-class fixed-window limiter on the shared store
	limiter := ratelimit.New(st,
		ratelimit.WithBudget(ratelimit.ClassAuth, conf.AuthLimit, conf.AuthWindow),
		ratelimit.WithBudget(ratelimit.ClassUpload, conf.UploadLimit, conf.UploadWindow),
		ratelimit.WithBudget(ratelimit.ClassGeneral, conf.GeneralLimit, conf.GeneralWindow),
		ratelimit.WithFailOpen(conf.RateFailOpen),
		ratelimit.WithOnDenied(func(identity string, class ratelimit.Class) {
			m.IncRateLimitDenied(string(class))
			L.Warn(ctx, "rate limit triggered", "identity", identity, "class", string(class))
		}),
		ratelimit.WithOnStoreError(func(err error) {
			m.IncStoreError()
			L.Error(ctx, err, "rate limit store error", "fail_open", conf.RateFailOpen)
		}),
	)

	// CSRF guard over the same store
	guard := csrf.New(st,
		csrf.WithTTL(conf.CSRFTTL),
		csrf.WithSecureCookie(conf.Production()),
		csrf.WithExemptPrefixes(conf.ExemptPrefixes()),
		csrf.WithOnIssued(m.IncCSRFIssued),
		csrf.WithOnConsumed(m.IncCSRFConsumed),
		csrf.WithOnRejected(m.IncCSRFRejected),
	)

	renderer := &apperr.Renderer{
		Production: conf.Production(),
		OnError:    m.IncError,
	}

	// setup toggle for server shutdown
	var gate probe.ShutdownGate

	// readiness fails while draining or when the backing store is unreachable
	readiness := probe.Multi(
		gate.Probe(),
		probe.Func(func(ctx context.Context) error {
			_, _, err := st.Get(ctx, "probe:ready")
			return err
		}),
	)

	// start public http server with the full pipeline
	appHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:            L,
		Port:              conf.HTTPPort,
		Renderer:          renderer,
		Limiter:           limiter,
		Guard:             guard,
		Sanitizer:         sanitize.New(),
		Session:           session.CookieExtractor("session_token"),
		Routes:            shophttp.Declarations(),
		BackstopPerSecond: conf.BackstopPerSecond,
		BackstopBurst:     conf.BackstopBurst,
		MaxBodyBytes:      conf.MaxBodyBytes,
		ClientIPOpts:      httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		MetricsMW:         m.Middleware,
		UseRecoverMW:      true,
		OnPanic:           m.IncHttpPanic,
		Health:            probe.Static(true, ""),
		Readiness:         readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       probe.Static(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// let in-flight requests finish and the load balancer notice the failed
	// readiness before closing listeners; a second signal skips the wait
	L.Info(context.Background(), "sleeping 30s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(30 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	if err := st.Close(); err != nil {
		L.Error(context.Background(), err, "store close")
	}

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func newStore(ctx context.Context, conf cfg.App, m *metrics.ServerMetrics) (store.Store, error) {
	switch conf.StoreBackend {
	case "redis":
		// redis expires keys itself, no sweep needed
		return store.NewRedis(ctx, conf.RedisURL)
	case "bolt":
		return store.NewBolt(ctx, conf.BoltPath,
			store.WithBoltSweepInterval(conf.SweepInterval),
			store.WithBoltOnSweep(m.AddSweepRemoved),
		)
	default:
		return store.NewMemory(ctx,
			store.WithSweepInterval(conf.SweepInterval),
			store.WithOnSweep(m.AddSweepRemoved),
		), nil
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
