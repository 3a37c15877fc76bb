package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func resolveIP(t *testing.T, remoteAddr, xff string, hops int) string {
	t.Helper()
	var got string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: hops})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = ClientIPFromContext(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = remoteAddr
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	h.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestClientIP_NoProxy_UsesSocketAddr(t *testing.T) {
	if got := resolveIP(t, "203.0.113.7:54321", "", 0); got != "203.0.113.7" {
		t.Fatalf("ip = %q", got)
	}
}

func TestClientIP_PublicPeerXFFIgnored(t *testing.T) {
	// forged XFF from a public peer must never win
	if got := resolveIP(t, "203.0.113.7:54321", "10.0.0.1", 1); got != "203.0.113.7" {
		t.Fatalf("ip = %q, trusted a public peer's XFF", got)
	}
}

func TestClientIP_PrivatePeerZeroHopsIgnoresXFF(t *testing.T) {
	if got := resolveIP(t, "10.1.2.3:443", "198.51.100.9", 0); got != "10.1.2.3" {
		t.Fatalf("ip = %q, honored XFF with no trusted hops", got)
	}
}

func TestClientIP_SingleTrustedHop(t *testing.T) {
	if got := resolveIP(t, "10.1.2.3:443", "198.51.100.9", 1); got != "198.51.100.9" {
		t.Fatalf("ip = %q", got)
	}
}

func TestClientIP_TwoHopsSelectsSecondFromEnd(t *testing.T) {
	got := resolveIP(t, "10.1.2.3:443", "198.51.100.9, 172.16.0.5", 2)
	if got != "198.51.100.9" {
		t.Fatalf("ip = %q", got)
	}
}

func TestClientIP_FewerEntriesThanHopsFailsClosed(t *testing.T) {
	// a shorter chain than expected means misconfiguration or tampering
	if got := resolveIP(t, "10.1.2.3:443", "198.51.100.9", 3); got != "10.1.2.3" {
		t.Fatalf("ip = %q", got)
	}
}

func TestClientIP_GarbageXFFEntryFallsBack(t *testing.T) {
	if got := resolveIP(t, "10.1.2.3:443", "not-an-ip", 1); got != "10.1.2.3" {
		t.Fatalf("ip = %q", got)
	}
}

func TestClientIP_LoopbackPeerTrusted(t *testing.T) {
	if got := resolveIP(t, "127.0.0.1:9999", "198.51.100.9", 1); got != "198.51.100.9" {
		t.Fatalf("ip = %q", got)
	}
}

func TestClientIP_DistrustStripsForwardHeaders(t *testing.T) {
	var sawXFF string
	h := ClientIPWithOptions(ClientIPOptions{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sawXFF = r.Header.Get("X-Forwarded-For")
		}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "203.0.113.7:54321"
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if sawXFF != "" {
		t.Fatal("X-Forwarded-For survived a distrusted peer")
	}
}
