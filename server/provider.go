package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notegate/grant"
	"notegate/store"
)

// Downstream is the OAuth 2.1 authorization server presented to downstream
// clients. The broker hands it a verified identity through
// CompleteAuthorization; /token then trades codes for access tokens.
type Downstream struct {
	clients  *ClientRegistry
	store    store.Store
	tokens   *TokenService
	keys     *SigningKeys
	logger   *slog.Logger
	issuer   string
	codeTTL  time.Duration
	grantTTL time.Duration
	now      func() time.Time
	random   io.Reader
}

// NewDownstream wires the downstream helper.
func NewDownstream(cfg Config, clients *ClientRegistry, st store.Store, tokens *TokenService, keys *SigningKeys, logger *slog.Logger, now func() time.Time) *Downstream {
	if now == nil {
		now = time.Now
	}
	return &Downstream{
		clients:  clients,
		store:    st,
		tokens:   tokens,
		keys:     keys,
		logger:   logger,
		issuer:   cfg.PublicBase(),
		codeTTL:  cfg.Tokens.CodeTTL,
		grantTTL: cfg.Tokens.RefreshTTL,
		now:      now,
		random:   rand.Reader,
	}
}

// ParseAuthorizationRequest reads and validates the /authorize query.
func (d *Downstream) ParseAuthorizationRequest(r *http.Request) (AuthorizationRequest, error) {
	q := r.URL.Query()
	req := AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               strings.Fields(q.Get("scope")),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	if req.ClientID == "" {
		return AuthorizationRequest{}, invalidRequest("missing client_id")
	}
	if req.ResponseType == "" {
		req.ResponseType = "code"
	}
	if req.RedirectURI == "" {
		if client, ok := d.clients.Get(req.ClientID); ok {
			req.RedirectURI, _ = client.DefaultRedirect()
			req.RedirectDefaulted = req.RedirectURI != ""
		}
	}
	if _, err := d.ValidateRequest(req); err != nil {
		return AuthorizationRequest{}, err
	}
	return req, nil
}

// ValidateRequest checks req against the client registry. It runs again when
// a request comes back through the consent form.
func (d *Downstream) ValidateRequest(req AuthorizationRequest) (*Client, error) {
	if req.ClientID == "" {
		return nil, invalidRequest("missing client_id")
	}
	client, ok := d.clients.Get(req.ClientID)
	if !ok {
		return nil, invalidRequest("unknown client_id")
	}
	if req.RedirectURI == "" || !client.ValidRedirect(req.RedirectURI) {
		return nil, invalidRequest("invalid redirect_uri")
	}
	if req.ResponseType != "code" {
		return nil, invalidRequest("unsupported response_type")
	}
	if !client.ValidateScopes(req.Scope) {
		return nil, invalidRequest("invalid scope")
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != PKCEMethod {
		return nil, invalidRequest("code_challenge_method must be S256")
	}
	if client.Public && req.CodeChallenge == "" {
		return nil, invalidRequest("public clients must use PKCE")
	}
	return client, nil
}

// CompleteAuthorization records a grant for the verified user and returns the
// client redirect carrying a fresh authorization code.
func (d *Downstream) CompleteAuthorization(ctx context.Context, req AuthorizationRequest, dg DownstreamGrant) (string, error) {
	if _, err := d.ValidateRequest(req); err != nil {
		return "", err
	}
	grantID, err := grant.NewGrantID(d.random)
	if err != nil {
		return "", err
	}
	now := d.now()
	g := Grant{
		ID:        grantID,
		ClientID:  req.ClientID,
		UserID:    dg.UserID,
		Scope:     req.Scope,
		Props:     dg.Props,
		Metadata:  dg.Metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(d.grantTTL),
	}
	if err := d.putJSON(ctx, grantKey(grantID), g, d.grantTTL); err != nil {
		return "", fmt.Errorf("store grant: %w", err)
	}

	code, err := randomToken(32)
	if err != nil {
		return "", err
	}
	ac := AuthorizationCode{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		GrantID:             grantID,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		RedirectDefaulted:   req.RedirectDefaulted,
	}
	if err := d.putJSON(ctx, codeKey(code), ac, d.codeTTL); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return "", invalidRequest("invalid redirect_uri")
	}
	q := redirect.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	redirect.RawQuery = q.Encode()
	return redirect.String(), nil
}

// LookupGrant returns a live grant or ErrGrantNotFound.
func (d *Downstream) LookupGrant(ctx context.Context, id string) (*Grant, error) {
	payload, err := d.store.Get(ctx, grantKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	var g Grant
	if err := json.Unmarshal(payload, &g); err != nil {
		return nil, fmt.Errorf("decode grant: %w", err)
	}
	if !d.now().Before(g.ExpiresAt) {
		return nil, ErrGrantNotFound
	}
	return &g, nil
}

// Authenticate validates the bearer access token on r and returns its claims
// and the live grant behind it.
func (d *Downstream) Authenticate(r *http.Request) (*AccessTokenClaims, *Grant, error) {
	raw := extractBearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		return nil, nil, ErrUnauthorized
	}
	claims, err := d.tokens.ValidateAccessToken(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	g, err := d.LookupGrant(r.Context(), claims.GrantID)
	if errors.Is(err, ErrGrantNotFound) {
		return nil, nil, fmt.Errorf("%w: grant revoked or expired", ErrUnauthorized)
	}
	if err != nil {
		return nil, nil, err
	}
	if g.UserID != claims.Subject {
		return nil, nil, fmt.Errorf("%w: grant subject mismatch", ErrUnauthorized)
	}
	setSubject(r.Context(), claims.Subject)
	return claims, g, nil
}

func (d *Downstream) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	client, err := d.authenticateClient(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="notegate"`)
		tokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		d.handleTokenAuthorizationCode(w, r, client)
	case "refresh_token":
		d.handleTokenRefresh(w, r, client)
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (d *Downstream) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request, client *Client) {
	ctx := r.Context()
	code := r.PostForm.Get("code")
	if code == "" {
		tokenError(w, http.StatusBadRequest, "invalid_request", "missing code")
		return
	}

	payload, err := d.store.Take(ctx, codeKey(code))
	if errors.Is(err, store.ErrNotFound) {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "code invalid or expired")
		return
	}
	if err != nil {
		d.logger.Error("take authorization code", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	var ac AuthorizationCode
	if err := json.Unmarshal(payload, &ac); err != nil {
		d.logger.Error("decode authorization code", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	if ac.ClientID != client.ClientID {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "client mismatch")
		return
	}
	// redirect_uri may be omitted only when /authorize omitted it too.
	if got := r.PostForm.Get("redirect_uri"); (got != "" || !ac.RedirectDefaulted) && got != ac.RedirectURI {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	switch {
	case ac.CodeChallenge != "":
		if err := VerifyPKCE(ac.CodeChallenge, ac.CodeChallengeMethod, r.PostForm.Get("code_verifier")); err != nil {
			tokenError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}
	case client.Public:
		tokenError(w, http.StatusBadRequest, "invalid_grant", "pkce required")
		return
	}

	g, err := d.LookupGrant(ctx, ac.GrantID)
	if err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "grant revoked or expired")
		return
	}

	resp, err := d.tokens.Issue(ctx, g, client.ClientID, ac.Scope)
	if err != nil {
		d.logger.Error("mint access token", "error", err, "client_id", client.ClientID)
		tokenError(w, http.StatusInternalServerError, "server_error", "failed to mint token")
		return
	}
	writeTokenJSON(w, resp)
}

func (d *Downstream) handleTokenRefresh(w http.ResponseWriter, r *http.Request, client *Client) {
	ctx := r.Context()
	token := r.PostForm.Get("refresh_token")
	if token == "" {
		tokenError(w, http.StatusBadRequest, "invalid_request", "missing refresh_token")
		return
	}

	rt, err := d.tokens.Redeem(ctx, token, client.ClientID)
	if err != nil {
		if errors.Is(err, errInvalidGrant) {
			d.logger.Warn("refresh failed", "error", err, "client_id", client.ClientID)
			tokenError(w, http.StatusBadRequest, "invalid_grant", "refresh token invalid")
			return
		}
		d.logger.Error("redeem refresh token", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	g, err := d.LookupGrant(ctx, rt.GrantID)
	if err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "grant revoked or expired")
		return
	}

	resp, err := d.tokens.Issue(ctx, g, client.ClientID, rt.Scope)
	if err != nil {
		d.logger.Error("mint access token", "error", err, "client_id", client.ClientID)
		tokenError(w, http.StatusInternalServerError, "server_error", "failed to mint token")
		return
	}
	writeTokenJSON(w, resp)
}

// AuthorizationServerMetadata is the RFC 8414 document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

// ProtectedResourceMetadata is the RFC 9728 document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

func (d *Downstream) handleServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, AuthorizationServerMetadata{
		Issuer:                            d.issuer,
		AuthorizationEndpoint:             d.issuer + "/authorize",
		TokenEndpoint:                     d.issuer + "/token",
		JWKSURI:                           d.issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{PKCEMethod},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		ScopesSupported:                   d.clients.Scopes(),
	})
}

func (d *Downstream) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ProtectedResourceMetadata{
		Resource:               d.issuer,
		AuthorizationServers:   []string{d.issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        d.clients.Scopes(),
	})
}

func (d *Downstream) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.keys.PublicJWKS())
}

func (d *Downstream) authenticateClient(r *http.Request) (*Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if ok {
		// RFC 6749 section 2.3.1 form-encodes basic credentials.
		if id, err := url.QueryUnescape(clientID); err == nil {
			clientID = id
		}
		if secret, err := url.QueryUnescape(clientSecret); err == nil {
			clientSecret = secret
		}
	} else {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}
	return d.clients.Authenticate(clientID, clientSecret)
}

func (d *Downstream) putJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.store.Put(ctx, key, payload, ttl)
}

func writeTokenJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, v)
}

func tokenError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	_ = json.NewEncoder(w).Encode(body)
}
