// Package upstream talks to the single upstream identity provider: it builds
// authorization URLs, exchanges codes and verifies ID tokens.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Config describes the upstream provider. Endpoints come from, in order of
// precedence, the explicit URLs, the Access team domain, or OIDC discovery
// against Issuer.
type Config struct {
	Issuer           string
	TeamDomain       string
	ClientID         string
	ClientSecret     string
	AuthorizationURL string
	TokenURL         string
	JWKSURL          string
	Scopes           []string
	RedirectURL      string
	Audience         string

	JWKSCacheTTL           time.Duration
	JWKSMinRefreshInterval time.Duration
	HTTPClient             *http.Client
	Now                    func() time.Time
}

// Endpoints are the resolved upstream URLs.
type Endpoints struct {
	AuthorizationURL string
	TokenURL         string
	JWKSURL          string
}

// Provider is the broker's view of the upstream identity provider.
type Provider struct {
	oauth     *oauth2.Config
	verifier  *Verifier
	client    *http.Client
	endpoints Endpoints
}

// New resolves endpoints and prepares the exchange client and verifier.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("upstream client_id required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("upstream redirect url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	cfg.HTTPClient = client

	endpoints, err := ResolveEndpoints(ctx, cfg)
	if err != nil {
		return nil, err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoints.AuthorizationURL,
			TokenURL:  endpoints.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: ensureOpenID(cfg.Scopes),
	}

	verifier := NewVerifier(VerifierConfig{
		JWKSURL:            endpoints.JWKSURL,
		Issuer:             cfg.Issuer,
		Audience:           cfg.Audience,
		CacheTTL:           cfg.JWKSCacheTTL,
		MinRefreshInterval: cfg.JWKSMinRefreshInterval,
		HTTPClient:         client,
		Now:                cfg.Now,
	})

	return &Provider{
		oauth:     oauthCfg,
		verifier:  verifier,
		client:    client,
		endpoints: endpoints,
	}, nil
}

// ResolveEndpoints derives the upstream URLs from cfg. Explicit URLs override
// derived ones individually.
func ResolveEndpoints(ctx context.Context, cfg Config) (Endpoints, error) {
	var ep Endpoints
	switch {
	case cfg.TeamDomain != "":
		ep = teamDomainEndpoints(cfg.TeamDomain, cfg.ClientID)
	case cfg.Issuer != "" && (cfg.AuthorizationURL == "" || cfg.TokenURL == "" || cfg.JWKSURL == ""):
		discovered, err := discover(ctx, cfg.Issuer, cfg.HTTPClient)
		if err != nil {
			return Endpoints{}, err
		}
		ep = discovered
	}

	if cfg.AuthorizationURL != "" {
		ep.AuthorizationURL = cfg.AuthorizationURL
	}
	if cfg.TokenURL != "" {
		ep.TokenURL = cfg.TokenURL
	}
	if cfg.JWKSURL != "" {
		ep.JWKSURL = cfg.JWKSURL
	}

	for name, raw := range map[string]string{
		"authorization_url": ep.AuthorizationURL,
		"token_url":         ep.TokenURL,
		"jwks_url":          ep.JWKSURL,
	} {
		if raw == "" {
			return Endpoints{}, fmt.Errorf("upstream %s unresolved: set it, team_domain or issuer", name)
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return Endpoints{}, fmt.Errorf("upstream %s %q is not an absolute URL", name, raw)
		}
	}
	return ep, nil
}

func teamDomainEndpoints(team, clientID string) Endpoints {
	host := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(team, "https://"), "http://"), "/")
	base := "https://" + host + "/cdn-cgi/access/sso/oidc/" + url.PathEscape(clientID)
	return Endpoints{
		AuthorizationURL: base + "/authorization",
		TokenURL:         base + "/token",
		JWKSURL:          base + "/jwks",
	}
}

func discover(ctx context.Context, issuer string, client *http.Client) (Endpoints, error) {
	op, err := oidc.NewProvider(oidc.ClientContext(ctx, client), issuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("discover upstream %s: %w", issuer, err)
	}
	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := op.Claims(&meta); err != nil {
		return Endpoints{}, fmt.Errorf("parse discovery document: %w", err)
	}
	endpoint := op.Endpoint()
	return Endpoints{
		AuthorizationURL: endpoint.AuthURL,
		TokenURL:         endpoint.TokenURL,
		JWKSURL:          meta.JWKSURL,
	}, nil
}

// AuthCodeURL builds the upstream authorization redirect for state and the
// S256 PKCE challenge.
func (p *Provider) AuthCodeURL(state, challenge string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// VerifyIDToken checks signature, expiry and configured claims of rawToken.
func (p *Provider) VerifyIDToken(ctx context.Context, rawToken string) (*Claims, error) {
	return p.verifier.Verify(ctx, rawToken)
}

// Verifier exposes the ID-token verifier for cache management.
func (p *Provider) Verifier() *Verifier {
	return p.verifier
}

// Endpoints returns the resolved upstream URLs.
func (p *Provider) Endpoints() Endpoints {
	return p.endpoints
}

// RedirectURL is the broker callback registered with the upstream.
func (p *Provider) RedirectURL() string {
	return p.oauth.RedirectURL
}

func ensureOpenID(scopes []string) []string {
	out := make([]string, 0, len(scopes)+1)
	seen := make(map[string]bool, len(scopes)+1)
	for _, s := range append([]string{oidc.ScopeOpenID}, scopes...) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
