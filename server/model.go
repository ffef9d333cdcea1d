package server

import "time"

// AuthorizationRequest is a parsed downstream /authorize request. The broker
// treats it as opaque and only serializes it. RedirectDefaulted is set when
// the request omitted redirect_uri and the client's registered URI was used.
type AuthorizationRequest struct {
	ResponseType        string   `json:"responseType"`
	ClientID            string   `json:"clientId"`
	RedirectURI         string   `json:"redirectUri"`
	Scope               []string `json:"scope"`
	State               string   `json:"state,omitempty"`
	CodeChallenge       string   `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string   `json:"codeChallengeMethod,omitempty"`
	RedirectDefaulted   bool     `json:"redirectDefaulted,omitempty"`
}

// PendingAuthState links an upstream round trip to the downstream request.
// It is stored under pending:<state> and consumed exactly once.
type PendingAuthState struct {
	Request      AuthorizationRequest `json:"authorizationRequest"`
	CodeVerifier string               `json:"codeVerifier"`
}

// GrantProps is the opaque bag carried by a downstream grant.
type GrantProps struct {
	UpstreamAccessToken  string   `json:"upstreamAccessToken,omitempty"`
	UpstreamRefreshToken string   `json:"upstreamRefreshToken,omitempty"`
	Email                string   `json:"email,omitempty"`
	Name                 string   `json:"name,omitempty"`
	Groups               []string `json:"groups,omitempty"`
}

// DownstreamGrant is what the broker hands to the downstream helper once the
// upstream identity is verified.
type DownstreamGrant struct {
	UserID   string
	Props    GrantProps
	Metadata map[string]string
}

// Grant is a live authorization held by a downstream client.
type Grant struct {
	ID        string            `json:"id"`
	ClientID  string            `json:"clientId"`
	UserID    string            `json:"userId"`
	Scope     []string          `json:"scope"`
	Props     GrantProps        `json:"props"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// AuthorizationCode represents a short-lived code issued to a client.
type AuthorizationCode struct {
	ClientID            string   `json:"clientId"`
	RedirectURI         string   `json:"redirectUri"`
	GrantID             string   `json:"grantId"`
	Scope               []string `json:"scope"`
	CodeChallenge       string   `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string   `json:"codeChallengeMethod,omitempty"`
	RedirectDefaulted   bool     `json:"redirectDefaulted,omitempty"`
}

// RefreshToken represents a stored refresh token for rotation tracking.
type RefreshToken struct {
	ClientID string   `json:"clientId"`
	GrantID  string   `json:"grantId"`
	Scope    []string `json:"scope"`
}

// Client records downstream OAuth client metadata.
type Client struct {
	ClientID     string
	ClientSecret string
	Name         string
	RedirectURIs []string
	Scopes       []string
	Public       bool
}

func pendingKey(state string) string { return "pending:" + state }
func grantKey(id string) string      { return "grant:" + id }
func codeKey(code string) string     { return "code:" + code }
func refreshKey(token string) string { return "refresh:" + token }
