package httpserver

import (
	"net/http"

	"github.com/keithlinneman/shopgate/internal/apperr"
	"github.com/keithlinneman/shopgate/internal/csrf"
	"github.com/keithlinneman/shopgate/internal/httpmw"
	"github.com/keithlinneman/shopgate/internal/log"
	"github.com/keithlinneman/shopgate/internal/probe"
	"github.com/keithlinneman/shopgate/internal/ratelimit"
	"github.com/keithlinneman/shopgate/internal/routes"
	"github.com/keithlinneman/shopgate/internal/sanitize"
	"github.com/keithlinneman/shopgate/internal/session"
)

type Options struct {
	Logger log.Logger
	Port   int

	// pipeline components, constructed and owned by main
	Renderer  *apperr.Renderer
	Limiter   *ratelimit.Limiter
	Guard     *csrf.Guard
	Sanitizer *sanitize.Sanitizer
	Session   session.Extractor

	// declared endpoints mounted on the router
	Routes []routes.Route

	// ingress protection
	BackstopPerSecond float64
	BackstopBurst     int
	MaxBodyBytes      int64
	ClientIPOpts      httpmw.ClientIPOptions

	MetricsMW    func(http.Handler) http.Handler
	UseRecoverMW bool
	OnPanic      func()

	Health    probe.Probe
	Readiness probe.Probe
}
