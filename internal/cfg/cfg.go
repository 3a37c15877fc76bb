package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/shopgate/internal/log"
)

// App is the full runtime configuration. Route declarations stay in code;
// everything operational (ports, budgets, TTLs, backends) is a flag that can
// also be fed from SHOPGATE_* environment variables.
type App struct {
	Env      string // development | production
	LogJSON  bool
	LogLevel string

	HTTPPort  int
	AdminPort int

	EnablePprof     bool
	EnableTracing   bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
	StacktraceLevel string

	// store backend for CSRF tokens and rate counters
	StoreBackend  string // memory | redis | bolt
	RedisURL      string
	BoltPath      string
	SweepInterval time.Duration

	// csrf
	CSRFTTL            time.Duration
	CSRFExemptPrefixes string // comma-separated path prefixes

	// per-class rate budgets
	AuthLimit     int64
	AuthWindow    time.Duration
	UploadLimit   int64
	UploadWindow  time.Duration
	GeneralLimit  int64
	GeneralWindow time.Duration
	RateFailOpen  bool

	// process-wide ingress protection
	BackstopPerSecond float64
	BackstopBurst     int
	MaxBodyBytes      int64
	TrustedHops       int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.Env, "env", "production", "deployment mode (development|production)")
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.StoreBackend, "store", "memory", "token/counter store backend (memory|redis|bolt)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "redis url (redis://host:port/db), required when -store=redis")
	fs.StringVar(&c.BoltPath, "bolt-path", "shopgate.db", "bolt database file, used when -store=bolt")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "background sweep interval for expired store entries")

	fs.DurationVar(&c.CSRFTTL, "csrf-ttl", time.Hour, "CSRF token lifetime")
	fs.StringVar(&c.CSRFExemptPrefixes, "csrf-exempt", "/api/uploads,/api/webhooks,/-/", "comma-separated path prefixes exempt from CSRF checks")

	fs.Int64Var(&c.AuthLimit, "rate-auth-limit", 10, "auth route requests allowed per window")
	fs.DurationVar(&c.AuthWindow, "rate-auth-window", 15*time.Minute, "auth route window length")
	fs.Int64Var(&c.UploadLimit, "rate-upload-limit", 20, "upload route requests allowed per window")
	fs.DurationVar(&c.UploadWindow, "rate-upload-window", 15*time.Minute, "upload route window length")
	fs.Int64Var(&c.GeneralLimit, "rate-general-limit", 300, "general route requests allowed per window")
	fs.DurationVar(&c.GeneralWindow, "rate-general-window", 15*time.Minute, "general route window length")
	fs.BoolVar(&c.RateFailOpen, "rate-fail-open", false, "admit requests when the counting store is unreachable (default deny)")

	fs.Float64Var(&c.BackstopPerSecond, "backstop-per-second", 200, "process-wide request refill rate")
	fs.IntVar(&c.BackstopBurst, "backstop-burst", 400, "process-wide request burst ceiling")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "maximum accepted request body size in bytes")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted reverse proxies for X-Forwarded-For")
}

// LoadDotenv loads a .env file into the process environment when one exists.
// Missing files are fine; development convenience only.
func LoadDotenv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Production reports whether the app runs in production mode (generic 5xx
// messages, no stacks in responses, Secure cookies).
func (c App) Production() bool { return c.Env != "development" }

// ExemptPrefixes splits the configured CSRF exemption list.
func (c App) ExemptPrefixes() []string {
	var out []string
	for _, p := range strings.Split(c.CSRFExemptPrefixes, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.Env != "development" && c.Env != "production" {
		errs = append(errs, fmt.Errorf("invalid ENV %q (must be development|production)", c.Env))
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	switch c.StoreBackend {
	case "memory", "bolt":
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL required when STORE=redis"))
		} else if u, err := url.Parse(c.RedisURL); err != nil || u.Scheme == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL must be a URL (got %q)", c.RedisURL))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q (must be memory|redis|bolt)", c.StoreBackend))
	}
	if c.StoreBackend == "bolt" && c.BoltPath == "" {
		errs = append(errs, fmt.Errorf("BOLT_PATH required when STORE=bolt"))
	}

	if c.CSRFTTL < time.Minute {
		errs = append(errs, fmt.Errorf("CSRF_TTL %s too short (must be >= 1m)", c.CSRFTTL))
	}
	if c.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL %s too short (must be >= 1s)", c.SweepInterval))
	}

	for _, b := range []struct {
		name   string
		limit  int64
		window time.Duration
	}{
		{"AUTH", c.AuthLimit, c.AuthWindow},
		{"UPLOAD", c.UploadLimit, c.UploadWindow},
		{"GENERAL", c.GeneralLimit, c.GeneralWindow},
	} {
		if b.limit < 1 {
			errs = append(errs, fmt.Errorf("RATE_%s_LIMIT must be >= 1 (got %d)", b.name, b.limit))
		}
		if b.window < time.Second {
			errs = append(errs, fmt.Errorf("RATE_%s_WINDOW must be >= 1s (got %s)", b.name, b.window))
		}
	}

	if c.BackstopPerSecond <= 0 || c.BackstopBurst < 1 {
		errs = append(errs, fmt.Errorf("BACKSTOP_PER_SECOND and BACKSTOP_BURST must be positive"))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be >= 1 (got %d)", c.MaxBodyBytes))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..8 (got %d)", c.TrustedHops))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
