package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/shopgate/internal/apperr"
	"github.com/keithlinneman/shopgate/internal/httpmw"
	"github.com/keithlinneman/shopgate/internal/store"
)

// Class groups routes that share a budget. Budgets are configuration, not
// code: auth endpoints get a small budget over a long window (to blunt
// credential stuffing), uploads a small budget, everything else a larger one.
type Class string

const (
	ClassAuth    Class = "auth"
	ClassUpload  Class = "upload"
	ClassGeneral Class = "general"
)

// Budget is the request allowance for one class.
type Budget struct {
	Limit  int64
	Window time.Duration
}

// Decision is the outcome for a single request.
type Decision struct {
	Permitted  bool
	RetryAfter time.Duration
}

// Limiter counts requests per (identity, class) in fixed windows backed by
// the shared store, so multiple processes pointing at the same store enforce
// one budget.
type Limiter struct {
	store   store.Windower
	budgets map[Class]Budget

	// failOpen admits traffic when the store is unreachable. Default is
	// false: an unreachable store denies, preserving the security property
	// at the cost of availability. Flipping this is an explicit choice.
	failOpen bool

	// OnDenied fires on every denied request, used for metrics.
	OnDenied func(identity string, class Class)

	// OnStoreError fires when the counting store returns an error.
	OnStoreError func(err error)
}

type Option func(*Limiter)

// WithBudget sets the allowance for a class, replacing the default.
func WithBudget(c Class, limit int64, window time.Duration) Option {
	return func(l *Limiter) {
		l.budgets[c] = Budget{Limit: limit, Window: window}
	}
}

// WithFailOpen admits requests when the store is unreachable. Only set this
// when availability matters more than the volumetric protection.
func WithFailOpen(open bool) Option {
	return func(l *Limiter) { l.failOpen = open }
}

func WithOnDenied(fn func(identity string, class Class)) Option {
	return func(l *Limiter) { l.OnDenied = fn }
}

func WithOnStoreError(fn func(err error)) Option {
	return func(l *Limiter) { l.OnStoreError = fn }
}

// New creates a limiter with conservative default budgets.
func New(s store.Windower, opts ...Option) *Limiter {
	l := &Limiter{
		store: s,
		budgets: map[Class]Budget{
			ClassAuth:    {Limit: 10, Window: 15 * time.Minute},
			ClassUpload:  {Limit: 20, Window: 15 * time.Minute},
			ClassGeneral: {Limit: 300, Window: 15 * time.Minute},
		},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Budget returns the configured allowance for a class. Unknown classes fall
// back to the general budget.
func (l *Limiter) Budget(c Class) Budget {
	if b, ok := l.budgets[c]; ok {
		return b
	}
	return l.budgets[ClassGeneral]
}

// Allow records one request for identity against the class budget.
//
// A denied request does not advance the counter, so denial is deterministic:
// the same identity keeps getting the same RetryAfter until the window
// resets. Store errors follow the fail-open/fail-closed policy.
func (l *Limiter) Allow(ctx context.Context, identity string, c Class) (Decision, error) {
	b := l.Budget(c)
	key := fmt.Sprintf("rl:%s:%s", c, identity)

	ok, retryAfter, err := l.store.TakeWindow(ctx, key, b.Limit, b.Window)
	if err != nil {
		if l.OnStoreError != nil {
			l.OnStoreError(err)
		}
		if l.failOpen {
			return Decision{Permitted: true}, nil
		}
		return Decision{Permitted: false, RetryAfter: b.Window}, err
	}

	if !ok {
		if l.OnDenied != nil {
			l.OnDenied(identity, c)
		}
		return Decision{Permitted: false, RetryAfter: retryAfter}, nil
	}
	return Decision{Permitted: true}, nil
}

// Middleware enforces the class budget for every request passing through.
// Identity is the resolved client IP; authenticated routes may wrap this
// with an account-scoped identity instead.
func (l *Limiter) Middleware(c Class, rnd *apperr.Renderer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := httpmw.ClientIPFromContext(r.Context())
			if identity == "" {
				identity = r.RemoteAddr
			}

			d, _ := l.Allow(r.Context(), identity, c)
			if !d.Permitted {
				secs := int64(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
				rnd.Render(w, r,
					apperr.New(apperr.KindRateLimit, "too many requests, slow down").
						WithDetails(map[string]any{
							"retry_after_ms": d.RetryAfter.Milliseconds(),
							"class":          string(c),
						}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
