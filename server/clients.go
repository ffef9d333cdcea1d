package server

import (
	"crypto/subtle"
	"errors"
	"slices"
	"sort"
	"strings"
)

// ErrInvalidClient is returned when downstream client authentication fails.
var ErrInvalidClient = errors.New("invalid_client")

// ClientRegistry holds the statically configured downstream clients.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		name := cfg.Name
		if name == "" {
			name = cfg.ClientID
		}
		clients[cfg.ClientID] = &Client{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Name:         name,
			RedirectURIs: cfg.RedirectURIs,
			Scopes:       cfg.Scopes,
			Public:       cfg.ClientSecret == "",
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Get retrieves a client definition.
func (cr *ClientRegistry) Get(id string) (*Client, bool) {
	client, ok := cr.clients[id]
	return client, ok
}

// Authenticate validates client credentials. Public clients authenticate by
// id alone and must prove possession through PKCE instead.
func (cr *ClientRegistry) Authenticate(id, secret string) (*Client, error) {
	client, ok := cr.clients[id]
	if !ok {
		return nil, ErrInvalidClient
	}
	if client.Public {
		return client, nil
	}
	if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(client.ClientSecret)) != 1 {
		return nil, ErrInvalidClient
	}
	return client, nil
}

// Scopes returns the union of all client scopes, sorted.
func (cr *ClientRegistry) Scopes() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range cr.clients {
		for _, s := range c.Scopes {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ValidRedirect ensures the redirect URI is registered and safe.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// DefaultRedirect returns the sole registered redirect URI, if there is one.
func (c *Client) DefaultRedirect() (string, bool) {
	if len(c.RedirectURIs) == 1 {
		return c.RedirectURIs[0], true
	}
	return "", false
}

// ValidateScopes ensures requested scopes are a subset of configured scopes.
// A client with no configured scopes accepts any.
func (c *Client) ValidateScopes(scopes []string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, sc := range scopes {
		if !slices.Contains(c.Scopes, sc) {
			return false
		}
	}
	return true
}

// isSafeRedirectURI rejects dangerous schemes, protocol-relative URLs,
// embedded credentials and fragment tricks in the host.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}
	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := uri[:idx]
	rest := uri[idx+3:]
	if scheme != "http" && scheme != "https" {
		return false
	}

	// Blocks user:pass@host and path@domain attacks.
	if strings.Contains(rest, "@") {
		return false
	}

	host := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		host = rest[:slashIdx]
	}
	if host == "" || strings.Contains(host, "#") {
		return false
	}
	return true
}
