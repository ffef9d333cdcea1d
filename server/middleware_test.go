package server

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestPreflightAnswersOptions(t *testing.T) {
	app := newTestApp(t, testConfig(), WithUpstream(&stubUpstream{}))
	req := httptest.NewRequest(http.MethodOptions, "/token", nil)
	req.Header.Set("Origin", "https://client.example.com")
	req.Header.Set("Access-Control-Request-Headers", "authorization, content-type")

	rec := serve(app.Routes(), req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	h := rec.Header()
	if h.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("allow-origin = %q", h.Get("Access-Control-Allow-Origin"))
	}
	if h.Get("Access-Control-Allow-Methods") != "GET, POST, OPTIONS" {
		t.Fatalf("allow-methods = %q", h.Get("Access-Control-Allow-Methods"))
	}
	if h.Get("Access-Control-Allow-Headers") != "authorization, content-type" {
		t.Fatalf("requested headers should be echoed, got %q", h.Get("Access-Control-Allow-Headers"))
	}
	if h.Get("Access-Control-Max-Age") != "86400" {
		t.Fatalf("max-age = %q", h.Get("Access-Control-Max-Age"))
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("preflight must have an empty body")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	app := newTestApp(t, testConfig(), WithUpstream(&stubUpstream{}))
	h := app.Routes()

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec = serve(h, req)
	if rec.Header().Get("X-Request-ID") != "req-123" {
		t.Fatalf("incoming request id should be kept, got %q", rec.Header().Get("X-Request-ID"))
	}
}

func TestRequestIDReplacesUntrustedValues(t *testing.T) {
	app := newTestApp(t, testConfig(), WithUpstream(&stubUpstream{}))
	h := app.Routes()

	for name, id := range map[string]string{
		"too long":   strings.Repeat("a", maxRequestIDLen+1),
		"whitespace": "req 123",
		"newline":    "req\n123",
		"quote":      `req"123`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			req.Header.Set("X-Request-ID", id)
			got := serve(h, req).Header().Get("X-Request-ID")
			if got == id || uuid.Validate(got) != nil {
				t.Fatalf("expected a generated uuid, got %q", got)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	longest := strings.Repeat("a", maxRequestIDLen)
	req.Header.Set("X-Request-ID", longest)
	if got := serve(h, req).Header().Get("X-Request-ID"); got != longest {
		t.Fatalf("a %d character id should be kept, got %q", maxRequestIDLen, got)
	}
}

func TestRecoveryMiddlewareReturns500(t *testing.T) {
	h := RecoveryMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestSecurityHeadersOnlyOutsideDevMode(t *testing.T) {
	cfg := testConfig()
	cfg.Server.DevMode = false
	app := newTestApp(t, cfg, WithUpstream(&stubUpstream{}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.TLS = &tls.ConnectionState{}
	rec := serve(app.Routes(), req)
	if rec.Header().Get("Strict-Transport-Security") != "max-age=31536000; includeSubDomains" {
		t.Fatalf("hsts = %q", rec.Header().Get("Strict-Transport-Security"))
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("nosniff header missing")
	}

	dev := newTestApp(t, testConfig(), WithUpstream(&stubUpstream{}))
	rec = serve(dev.Routes(), req)
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("dev mode must not send hsts")
	}
}
