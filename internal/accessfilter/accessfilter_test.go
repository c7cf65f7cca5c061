package accessfilter

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestWildcardAllowsAnySource(t *testing.T) {
	f := New([]string{"*"}, "", false)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	rec := httptest.NewRecorder()

	f.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCIDRAllowlistRejectsOutsideRange(t *testing.T) {
	f := New([]string{"192.168.1.0/24"}, "", false)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.RemoteAddr = "10.0.0.5:12345"
	rec := httptest.NewRecorder()

	f.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCIDRAllowlistAcceptsInsideRange(t *testing.T) {
	f := New([]string{"192.168.1.0/24"}, "", false)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.RemoteAddr = "192.168.1.42:12345"
	rec := httptest.NewRecorder()

	f.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSharedSecretRejectsMissingHeader(t *testing.T) {
	f := New([]string{"*"}, "topsecret", false)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	rec := httptest.NewRecorder()

	f.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSharedSecretAcceptsAPIKeyHeader(t *testing.T) {
	f := New([]string{"*"}, "topsecret", false)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	req.Header.Set("X-API-Key", "topsecret")
	rec := httptest.NewRecorder()

	f.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSharedSecretRejectsWrongAPIKey(t *testing.T) {
	f := New([]string{"*"}, "topsecret", false)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()

	f.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealthExemptFromSecretByDefault(t *testing.T) {
	f := New([]string{"*"}, "topsecret", false)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	rec := httptest.NewRecorder()

	f.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /health to bypass secret check, got %d", rec.Code)
	}
}

func TestHealthRequiresSecretWhenConfigured(t *testing.T) {
	f := New([]string{"*"}, "topsecret", true)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	rec := httptest.NewRecorder()

	f.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected /health to require secret when configured, got %d", rec.Code)
	}
}

func TestSourceCheckPrecedesSecretCheck(t *testing.T) {
	f := New([]string{"192.168.1.0/24"}, "topsecret", false)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.RemoteAddr = "10.0.0.5:12345" // outside allowlist, no secret header either
	rec := httptest.NewRecorder()

	f.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected source check (403) to win over secret check (401), got %d", rec.Code)
	}
}
