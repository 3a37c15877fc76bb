package opshttp

import (
	"net/http"

	"github.com/keithlinneman/shopgate/internal/probe"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      probe.Probe
	Readiness   probe.Probe

	// UseRecoverMW wraps the admin mux in its own recovery layer; OnPanic,
	// when set, is invoked after each recovery (alerting, counters).
	UseRecoverMW bool
	OnPanic      func()
}
