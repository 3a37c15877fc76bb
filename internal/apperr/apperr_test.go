package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusFor_KnownKinds(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindCSRF, http.StatusForbidden},
		{KindAuthentication, http.StatusUnauthorized},
		{KindAuthorization, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindRateLimit, http.StatusTooManyRequests},
		{KindDuplicate, http.StatusBadRequest},
		{KindInvalidFormat, http.StatusBadRequest},
		{KindInvalidToken, http.StatusUnauthorized},
		{KindTokenExpired, http.StatusUnauthorized},
		{KindUpload, http.StatusBadRequest},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := StatusFor(c.kind); got != c.want {
			t.Errorf("StatusFor(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestStatusFor_UnknownKind(t *testing.T) {
	if got := StatusFor(Kind("NO_SUCH_KIND")); got != http.StatusInternalServerError {
		t.Fatalf("StatusFor(unknown) = %d, want 500", got)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("db down")
	e := Wrap(cause, KindInternal, "internal server error")

	if !errors.Is(e, cause) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}
}

func TestError_MessageIncludesKind(t *testing.T) {
	e := New(KindValidation, "bad input")
	if got := e.Error(); got != "VALIDATION_ERROR: bad input" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestClassify_Nil(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatal("Classify(nil) != nil")
	}
}

func TestClassify_PassesThroughTaggedError(t *testing.T) {
	orig := New(KindRateLimit, "slow down").WithDetails(map[string]any{"retry_after_ms": 100})
	got := Classify(orig)
	if got != orig {
		t.Fatal("Classify rebuilt an already-tagged error")
	}
}

func TestClassify_UnwrapsNestedTaggedError(t *testing.T) {
	orig := New(KindNotFound, "missing")
	wrapped := fmt.Errorf("handler: %w", orig)

	got := Classify(wrapped)
	if got.Kind != KindNotFound {
		t.Fatalf("Kind = %s, want NOT_FOUND", got.Kind)
	}
}

func TestClassify_MaxBytes(t *testing.T) {
	err := &http.MaxBytesError{Limit: 1024}
	got := Classify(err)
	if got.Kind != KindUpload {
		t.Fatalf("Kind = %s, want UPLOAD_ERROR", got.Kind)
	}
	if got.Status != http.StatusBadRequest {
		t.Fatalf("Status = %d, want 400", got.Status)
	}
}

func TestClassify_StringShapes(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{errors.New(`pq: duplicate key value violates unique constraint "users_email_key"`), KindDuplicate},
		{errors.New("token is expired by 3m"), KindTokenExpired},
		{errors.New("invalid character '}' looking for beginning of value"), KindInvalidFormat},
		{errors.New("unexpected end of JSON input"), KindInvalidFormat},
	}
	for _, c := range cases {
		if got := Classify(c.err); got.Kind != c.want {
			t.Errorf("Classify(%v).Kind = %s, want %s", c.err, got.Kind, c.want)
		}
	}
}

func TestClassify_UnknownBecomesInternal(t *testing.T) {
	got := Classify(errors.New("something odd happened"))
	if got.Kind != KindInternal {
		t.Fatalf("Kind = %s, want INTERNAL_ERROR", got.Kind)
	}
	if got.Status != http.StatusInternalServerError {
		t.Fatalf("Status = %d, want 500", got.Status)
	}
}

func TestRedact_MasksSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"username": "alice",
		"password": "hunter2",
		"nested": map[string]any{
			"api_key": "abc",
			"note":    "keep",
		},
		"items": []any{
			map[string]any{"credit_card": "4111"},
		},
	}

	out, ok := Redact(in).(map[string]any)
	if !ok {
		t.Fatal("Redact changed top-level type")
	}

	if out["password"] != "[REDACTED]" {
		t.Fatalf("password = %v", out["password"])
	}
	if out["username"] != "alice" {
		t.Fatalf("username = %v", out["username"])
	}
	nested := out["nested"].(map[string]any)
	if nested["api_key"] != "[REDACTED]" || nested["note"] != "keep" {
		t.Fatalf("nested = %v", nested)
	}
	item := out["items"].([]any)[0].(map[string]any)
	if item["credit_card"] != "[REDACTED]" {
		t.Fatalf("items[0] = %v", item)
	}

	// input untouched
	if in["password"] != "hunter2" {
		t.Fatal("Redact mutated its input")
	}
}

func TestSensitiveKey_SubstringMatch(t *testing.T) {
	for _, k := range []string{"Password", "user_password", "API_KEY", "customerEmail", "phone_number"} {
		if !SensitiveKey(k) {
			t.Errorf("SensitiveKey(%q) = false, want true", k)
		}
	}
	for _, k := range []string{"username", "quantity", "item_id"} {
		if SensitiveKey(k) {
			t.Errorf("SensitiveKey(%q) = true, want false", k)
		}
	}
}
