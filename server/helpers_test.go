package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"notegate/upstream"
)

var testEpoch = time.Unix(1_700_000_000, 0)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testEpoch} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testIdP is an upstream identity provider that issues RS256 ID tokens.
type testIdP struct {
	t      *testing.T
	srv    *httptest.Server
	key    *rsa.PrivateKey
	kid    string
	clock  *testClock
	claims jwt.MapClaims

	// lifetime is the validity of issued ID tokens; negative issues expired ones.
	lifetime time.Duration

	mu            sync.Mutex
	exchanges     int
	lastVerifier  string
	lastCode      string
	tokenStatus   int
	omitIDToken   bool
	challengeSeen string
}

func newTestIdP(t *testing.T, clock *testClock) *testIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	idp := &testIdP{
		t:        t,
		key:      key,
		kid:      "idp-key-1",
		clock:    clock,
		lifetime: time.Hour,
		claims: jwt.MapClaims{
			"sub":    "user-42",
			"email":  "ada@example.com",
			"name":   "Ada",
			"groups": []string{"staff"},
			"aud":    "upstream-client",
			"iss":    "https://team.example.com",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &idp.key.PublicKey,
			KeyID:     idp.kid,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/token", idp.handleToken)
	idp.srv = httptest.NewServer(mux)
	t.Cleanup(idp.srv.Close)
	return idp
}

func (idp *testIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	idp.mu.Lock()
	idp.exchanges++
	idp.lastCode = r.PostForm.Get("code")
	idp.lastVerifier = r.PostForm.Get("code_verifier")
	status := idp.tokenStatus
	omit := idp.omitIDToken
	challenge := idp.challengeSeen
	idp.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code already used"}`))
		return
	}
	if challenge != "" && oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != challenge {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		return
	}

	resp := map[string]any{
		"access_token":  "upstream-access",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "upstream-refresh",
	}
	if !omit {
		resp["id_token"] = idp.idToken(idp.lifetime)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (idp *testIdP) idToken(lifetime time.Duration) string {
	now := idp.clock.Now()
	claims := jwt.MapClaims{}
	for k, v := range idp.claims {
		claims[k] = v
	}
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(lifetime).Unix()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = idp.kid
	signed, err := tok.SignedString(idp.key)
	if err != nil {
		idp.t.Fatalf("sign id token: %v", err)
	}
	return signed
}

// stubUpstream satisfies UpstreamProvider without any network.
type stubUpstream struct {
	mu          sync.Mutex
	exchanges   int
	exchangeErr error
	tokens      *upstream.TokenSet
	claims      *upstream.Claims
	verifyErr   error
}

func (s *stubUpstream) AuthCodeURL(state, challenge string) string {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {"upstream-client"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	return "https://idp.example.com/authorize?" + q.Encode()
}

func (s *stubUpstream) Exchange(ctx context.Context, code, verifier string) (*upstream.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges++
	if s.exchangeErr != nil {
		return nil, s.exchangeErr
	}
	if s.tokens != nil {
		return s.tokens, nil
	}
	return &upstream.TokenSet{AccessToken: "at", TokenType: "Bearer", IDToken: "id.token.sig"}, nil
}

func (s *stubUpstream) VerifyIDToken(ctx context.Context, raw string) (*upstream.Claims, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	if s.claims != nil {
		return s.claims, nil
	}
	return &upstream.Claims{Subject: "user-42", Email: "ada@example.com", Name: "Ada"}, nil
}

func (s *stubUpstream) exchangeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchanges
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "https://gate.example.com"
	cfg.Server.SecretsPath = ""
	cfg.Cookies.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Upstream.ClientID = "upstream-client"
	cfg.Upstream.TeamDomain = "team.example.com"
	cfg.Clients = []ClientConfig{
		{
			ClientID:     "abc",
			ClientSecret: "abc-secret",
			Name:         "Notes Client",
			RedirectURIs: []string{"https://client/cb"},
		},
		{
			ClientID:     "cli",
			RedirectURIs: []string{"http://127.0.0.1:9000/cb"},
			Scopes:       []string{"openid", "notes:read"},
		},
	}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, cfg Config, opts ...Option) *App {
	t.Helper()
	app, err := NewApp(context.Background(), cfg, discardLogger(), opts...)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func responseCookie(rec *httptest.ResponseRecorder, name string) (*http.Cookie, bool) {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

var (
	stateFieldRe = regexp.MustCompile(`name="state" value="([^"]+)"`)
	csrfFieldRe  = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)
)

// consentForm extracts the hidden fields from a rendered consent page.
func consentForm(t *testing.T, body string) (state, csrf string) {
	t.Helper()
	sm := stateFieldRe.FindStringSubmatch(body)
	cm := csrfFieldRe.FindStringSubmatch(body)
	if sm == nil || cm == nil {
		t.Fatalf("consent page missing hidden fields:\n%s", body)
	}
	return html.UnescapeString(sm[1]), html.UnescapeString(cm[1])
}

func postForm(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}
