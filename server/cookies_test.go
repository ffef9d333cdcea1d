package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"testing"
	"time"
)

func newTestCookies(secure bool, clock *testClock) *Cookies {
	return NewCookies(secure, "0123456789abcdef0123456789abcdef", time.Hour, clock.Now)
}

// carry copies the cookies set on rec onto a fresh request.
func carry(rec *httptest.ResponseRecorder, req *http.Request) *http.Request {
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 {
			req.AddCookie(c)
		}
	}
	return req
}

func TestCookieNamesFollowScheme(t *testing.T) {
	clock := newTestClock()
	rec := httptest.NewRecorder()
	newTestCookies(true, clock).SetBinder(rec, "abc")
	c, ok := responseCookie(rec, "__Host-notegate_state")
	if !ok {
		t.Fatalf("secure binder should use the __Host- prefix")
	}
	if !c.Secure || !c.HttpOnly || c.Path != "/" || c.SameSite != http.SameSiteLaxMode || c.MaxAge != 600 {
		t.Fatalf("unexpected binder attributes %+v", c)
	}

	rec = httptest.NewRecorder()
	newTestCookies(false, clock).SetBinder(rec, "abc")
	c, ok = responseCookie(rec, "notegate_state")
	if !ok || c.Secure {
		t.Fatalf("insecure binder should drop the prefix and Secure, got %+v", c)
	}
}

func TestCSRFValidation(t *testing.T) {
	cookies := newTestCookies(true, newTestClock())
	rec := httptest.NewRecorder()
	token, err := cookies.IssueCSRF(rec)
	if err != nil {
		t.Fatalf("IssueCSRF: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("csrf token should be 32 hex-encoded bytes, got %d chars", len(token))
	}
	c, _ := responseCookie(rec, "__Host-notegate_csrf")
	if c.SameSite != http.SameSiteStrictMode {
		t.Fatalf("csrf cookie must be SameSite=Strict")
	}

	cases := []struct {
		name   string
		field  string
		cookie bool
		ok     bool
	}{
		{name: "match", field: token, cookie: true, ok: true},
		{name: "mismatch", field: "x" + token[1:], cookie: true},
		{name: "missing field", cookie: true},
		{name: "missing cookie", field: token},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := postForm("/authorize", url.Values{"csrf_token": {tc.field}})
			if tc.cookie {
				req = carry(rec, req)
			}
			if err := req.ParseForm(); err != nil {
				t.Fatalf("parse form: %v", err)
			}
			err := cookies.ValidateCSRF(req)
			if tc.ok && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if !tc.ok && err != ErrCSRFMismatch {
				t.Fatalf("expected ErrCSRFMismatch, got %v", err)
			}
		})
	}
}

func TestBinderMatches(t *testing.T) {
	cookies := newTestCookies(true, newTestClock())
	rec := httptest.NewRecorder()
	cookies.SetBinder(rec, "state-1")
	req := carry(rec, httptest.NewRequest(http.MethodGet, "/callback", nil))

	if !cookies.HasBinder(req) || !cookies.BinderMatches(req, "state-1") {
		t.Fatalf("binder should match its own state")
	}
	if cookies.BinderMatches(req, "state-2") || cookies.BinderMatches(req, "") {
		t.Fatalf("binder must not match another state")
	}
	if cookies.BinderMatches(httptest.NewRequest(http.MethodGet, "/callback", nil), "state-1") {
		t.Fatalf("missing binder must not match")
	}

	rec = httptest.NewRecorder()
	cookies.ClearBinder(rec)
	c, _ := responseCookie(rec, "__Host-notegate_state")
	if c.MaxAge >= 0 || c.Value != "" {
		t.Fatalf("cleared binder should expire immediately, got %+v", c)
	}
}

func TestApprovalCookie(t *testing.T) {
	clock := newTestClock()
	cookies := newTestCookies(true, clock)
	req := httptest.NewRequest(http.MethodGet, "/authorize", nil)

	var rec *httptest.ResponseRecorder
	for i := 0; i < maxApprovedClients+5; i++ {
		rec = httptest.NewRecorder()
		if err := cookies.Approve(rec, req, fmt.Sprintf("client-%d", i)); err != nil {
			t.Fatalf("approve: %v", err)
		}
		req = carry(rec, httptest.NewRequest(http.MethodGet, "/authorize", nil))
	}

	clients := cookies.approvedClients(req)
	if len(clients) != maxApprovedClients {
		t.Fatalf("approval list should be capped at %d, got %d", maxApprovedClients, len(clients))
	}
	if cookies.Approved(req, "client-0") || !cookies.Approved(req, "client-24") {
		t.Fatalf("oldest approvals should be dropped first: %v", clients)
	}

	rec = httptest.NewRecorder()
	if err := cookies.Approve(rec, req, "client-10"); err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	req = carry(rec, httptest.NewRequest(http.MethodGet, "/authorize", nil))
	clients = cookies.approvedClients(req)
	if len(clients) != maxApprovedClients || clients[len(clients)-1] != "client-10" {
		t.Fatalf("re-approval should move the client to the end without duplicating it: %v", clients)
	}
	if n := len(slices.DeleteFunc(slices.Clone(clients), func(id string) bool { return id != "client-10" })); n != 1 {
		t.Fatalf("client-10 appears %d times", n)
	}

	other := NewCookies(true, "another-secret-another-secret-00", time.Hour, clock.Now)
	if other.Approved(req, "client-10") {
		t.Fatalf("approval signed with another secret must be ignored")
	}

	clock.Advance(time.Hour + time.Second)
	if cookies.Approved(req, "client-10") {
		t.Fatalf("expired approval must be ignored")
	}
}

func TestVerifyPKCE(t *testing.T) {
	pair := NewPKCE()
	if len(pair.Verifier) != 43 || pair.Method != PKCEMethod {
		t.Fatalf("unexpected pair %+v", pair)
	}

	cases := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		want      error
	}{
		{name: "valid", challenge: pair.Challenge, method: "S256", verifier: pair.Verifier},
		{name: "plain method", challenge: pair.Challenge, method: "plain", verifier: pair.Verifier, want: errPKCEMethod},
		{name: "missing verifier", challenge: pair.Challenge, method: "S256", want: errPKCEMissing},
		{name: "short verifier", challenge: pair.Challenge, method: "S256", verifier: "abc", want: errPKCELength},
		{name: "wrong verifier", challenge: pair.Challenge, method: "S256", verifier: NewPKCE().Verifier, want: errPKCEMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := VerifyPKCE(tc.challenge, tc.method, tc.verifier); err != tc.want {
				t.Fatalf("VerifyPKCE = %v, want %v", err, tc.want)
			}
		})
	}
}
