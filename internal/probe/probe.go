package probe

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/shopgate/internal/xerrors"
)

// Probe reports health at request time: nil means healthy, an error carries
// the failure reason.
type Probe interface{ Check(context.Context) error }

// Func adapts a plain function into a Probe.
type Func func(context.Context) error

func (f Func) Check(ctx context.Context) error { return f(ctx) }

// Static always reports the same result. A failing probe with no reason
// reports "unhealthy".
func Static(ok bool, reason string) Func {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := xerrors.New(reason)
	return func(context.Context) error { return err }
}

// Multi requires every probe to pass and short-circuits on the first failure.
// Nil entries are skipped.
func Multi(ps ...Probe) Func {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when at least one probe passes. All probes are evaluated; on
// total failure the last error wins, with a fallback when the set was empty.
func Any(ps ...Probe) Func {
	return func(ctx context.Context) error {
		var last error
		healthy := false
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				healthy = true
				continue
			}
			last = err
		}
		switch {
		case healthy:
			return nil
		case last != nil:
			return last
		default:
			return xerrors.New("no healthy probes")
		}
	}
}

// ShutdownGate fails readiness while the server is draining.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.draining.Store(true)
	g.reason.Store(reason)
}

func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store("")
}

func (g *ShutdownGate) Probe() Func {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "draining"
		}
		return xerrors.New(r)
	}
}
