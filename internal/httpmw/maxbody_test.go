package httpmw

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func postThroughMaxBody(limit int64, payload string, h http.HandlerFunc) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))
	MaxBody(limit)(h).ServeHTTP(rec, req)
	return rec
}

func TestMaxBody_WithinLimit(t *testing.T) {
	// at or under the cap the body passes through unchanged
	for _, payload := range []string{"hello world", strings.Repeat("x", 64)} {
		rec := postThroughMaxBody(64, payload, func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			w.Write(body)
		})
		if rec.Code != http.StatusOK || rec.Body.String() != payload {
			t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
		}
	}
}

func TestMaxBody_OverLimitReadFails(t *testing.T) {
	var readErr error
	postThroughMaxBody(16, strings.Repeat("x", 17), func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	})

	if readErr == nil {
		t.Fatal("oversized body read succeeded")
	}
	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Fatalf("error type = %T, want *http.MaxBytesError", readErr)
	}
}

func TestMaxBody_BodylessRequestUnaffected(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	MaxBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMaxBody_HandlerCanReject(t *testing.T) {
	h := func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.Write(body)
	}

	if rec := postThroughMaxBody(10, "short", h); rec.Code != http.StatusOK {
		t.Fatalf("under limit: status = %d", rec.Code)
	}
	if rec := postThroughMaxBody(10, "this exceeds the ten byte limit", h); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("over limit: status = %d, want 413", rec.Code)
	}
}
