package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/shopgate/internal/apperr"
	"github.com/keithlinneman/shopgate/internal/csrf"
	"github.com/keithlinneman/shopgate/internal/log"
	"github.com/keithlinneman/shopgate/internal/ratelimit"
	"github.com/keithlinneman/shopgate/internal/routes"
	"github.com/keithlinneman/shopgate/internal/sanitize"
	"github.com/keithlinneman/shopgate/internal/store"
	"github.com/keithlinneman/shopgate/internal/validate"
)

type pipeline struct {
	handler http.Handler
	guard   *csrf.Guard
}

func newPipeline(t *testing.T, rts []routes.Route) *pipeline {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewMemory(ctx, store.WithSweepInterval(time.Hour))
	guard := csrf.New(st)
	limiter := ratelimit.New(st,
		ratelimit.WithBudget(ratelimit.ClassAuth, 2, time.Minute),
	)

	h := NewHandler(&Options{
		Logger:       log.Nop(),
		Renderer:     &apperr.Renderer{Production: true},
		Limiter:      limiter,
		Guard:        guard,
		Sanitizer:    sanitize.New(),
		Routes:       rts,
		MaxBodyBytes: 1 << 20,
		UseRecoverMW: true,
	})
	return &pipeline{handler: h, guard: guard}
}

func testRoutes() []routes.Route {
	ok := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	return []routes.Route{
		{
			Method:  http.MethodGet,
			Pattern: "/api/orders",
			Handler: ok,
		},
		{
			Method:  http.MethodPost,
			Pattern: "/api/orders",
			Rules: []validate.Rule{
				validate.Required("item_id"),
				validate.Range("quantity", 1, 100),
			},
			Handler: ok,
		},
		{
			Method:  http.MethodPost,
			Pattern: "/api/auth/login",
			Class:   ratelimit.ClassAuth,
			Handler: ok,
		},
		{
			Method:     http.MethodPost,
			Pattern:    "/api/webhooks/payments",
			CSRFExempt: true,
			Handler:    ok,
		},
		{
			Method:  http.MethodGet,
			Pattern: "/boom",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				panic("handler bug")
			},
		},
	}
}

func envelope(t *testing.T, rec *httptest.ResponseRecorder) apperr.Response {
	t.Helper()
	var resp apperr.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not the error envelope: %v\n%s", err, rec.Body.String())
	}
	return resp
}

func withSession(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: "session_token", Value: "sess-1"})
	return req
}

func (p *pipeline) issueToken(t *testing.T) string {
	t.Helper()
	token, err := p.guard.Issue(context.Background(), httptest.NewRecorder(), "sess-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestPipeline_SecurityHeadersOnEveryResponse(t *testing.T) {
	p := newPipeline(t, testRoutes())

	paths := []string{"/api/orders", "/no/such/route"}
	for _, path := range paths {
		rec := httptest.NewRecorder()
		p.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))

		for _, h := range []string{
			"Strict-Transport-Security",
			"Content-Security-Policy",
			"X-Content-Type-Options",
			"X-Frame-Options",
			"Referrer-Policy",
		} {
			if rec.Header().Get(h) == "" {
				t.Errorf("%s: header %s missing", path, h)
			}
		}
	}
}

func TestPipeline_UnknownRouteGetsEnvelope(t *testing.T) {
	p := newPipeline(t, testRoutes())

	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", http.NoBody))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := envelope(t, rec); resp.Code != apperr.KindNotFound {
		t.Fatalf("code = %s", resp.Code)
	}
}

func TestPipeline_SafeGetIssuesCSRFToken(t *testing.T) {
	p := newPipeline(t, testRoutes())

	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, withSession(httptest.NewRequest(http.MethodGet, "/api/orders", http.NoBody)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(csrf.HeaderName) == "" {
		t.Fatal("no CSRF token delivered on safe request")
	}
}

func TestPipeline_MutatingWithoutTokenRejected(t *testing.T) {
	p := newPipeline(t, testRoutes())

	req := withSession(httptest.NewRequest(http.MethodPost, "/api/orders",
		strings.NewReader(`{"item_id":"sku-1","quantity":2}`)))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if resp := envelope(t, rec); resp.Code != apperr.KindCSRF {
		t.Fatalf("code = %s", resp.Code)
	}
}

func TestPipeline_MutatingWithTokenAccepted(t *testing.T) {
	p := newPipeline(t, testRoutes())
	token := p.issueToken(t)

	req := withSession(httptest.NewRequest(http.MethodPost, "/api/orders",
		strings.NewReader(`{"item_id":"sku-1","quantity":2}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrf.HeaderName, token)

	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPipeline_ExemptRouteSkipsCSRF(t *testing.T) {
	p := newPipeline(t, testRoutes())

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payments",
		strings.NewReader(`{"event":"payment.settled"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPipeline_ValidationRunsAfterCSRF(t *testing.T) {
	p := newPipeline(t, testRoutes())
	token := p.issueToken(t)

	req := withSession(httptest.NewRequest(http.MethodPost, "/api/orders",
		strings.NewReader(`{"quantity":500}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrf.HeaderName, token)

	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := envelope(t, rec)
	if resp.Code != apperr.KindValidation {
		t.Fatalf("code = %s", resp.Code)
	}

	// both violations reported in one response
	fields, ok := resp.Details.([]any)
	if !ok || len(fields) != 2 {
		t.Fatalf("details = %v", resp.Details)
	}
}

func TestPipeline_AuthClassRateLimited(t *testing.T) {
	p := newPipeline(t, testRoutes())

	send := func() *httptest.ResponseRecorder {
		token := p.issueToken(t)
		req := withSession(httptest.NewRequest(http.MethodPost, "/api/auth/login", http.NoBody))
		req.Header.Set(csrf.HeaderName, token)
		req.RemoteAddr = "203.0.113.9:1234"
		rec := httptest.NewRecorder()
		p.handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send(); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d: %s", i+1, rec.Code, rec.Body.String())
		}
	}

	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing")
	}
}

func TestPipeline_PanicBecomesInternalError(t *testing.T) {
	p := newPipeline(t, testRoutes())

	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	resp := envelope(t, rec)
	if resp.Code != apperr.KindInternal {
		t.Fatalf("code = %s", resp.Code)
	}
	// production renderer: generic message, no stack, correlation id present
	if strings.Contains(resp.Message, "handler bug") {
		t.Fatal("panic detail leaked to the client")
	}
	if resp.Stack != "" {
		t.Fatal("stack leaked in production mode")
	}
	d, _ := resp.Details.(map[string]any)
	if id, _ := d["error_id"].(string); id == "" {
		t.Fatal("error_id missing")
	}
}

func TestPipeline_RequestIDEchoed(t *testing.T) {
	p := newPipeline(t, testRoutes())

	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", http.NoBody))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("X-Request-Id missing from response")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/orders", http.NoBody)
	req.Header.Set("X-Request-Id", "req-from-lb")
	rec = httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-from-lb" {
		t.Fatalf("X-Request-Id = %q, want propagated value", got)
	}
}

func TestPipeline_WrongMethodGetsEnvelope(t *testing.T) {
	p := newPipeline(t, testRoutes())

	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/orders", http.NoBody))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := envelope(t, rec); resp.Code != apperr.KindNotFound {
		t.Fatalf("code = %s", resp.Code)
	}
}
