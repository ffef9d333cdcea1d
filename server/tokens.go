package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"notegate/store"
)

var errInvalidGrant = errors.New("invalid_grant")

// AccessTokenClaims captures the JWT claims we mint and validate.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	GrantID  string `json:"grant_id"`
	jwt.RegisteredClaims
}

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenService signs and validates downstream access tokens and keeps
// refresh tokens in the store.
type TokenService struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      store.Store
	keys       *SigningKeys
	now        func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, st store.Store, keys *SigningKeys, now func() time.Time) *TokenService {
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		issuer:     cfg.PublicBase(),
		accessTTL:  cfg.Tokens.AccessTTL,
		refreshTTL: cfg.Tokens.RefreshTTL,
		store:      st,
		keys:       keys,
		now:        now,
	}
}

// Issue mints an access token for g and a refresh token that never outlives it.
func (ts *TokenService) Issue(ctx context.Context, g *Grant, clientID string, scope []string) (TokenResponse, error) {
	now := ts.now()
	claims := AccessTokenClaims{
		Scope:    strings.Join(scope, " "),
		ClientID: clientID,
		GrantID:  g.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   g.UserID,
			Audience:  jwt.ClaimStrings{ts.issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	token, err := ts.keys.Sign(claims)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign access token: %w", err)
	}

	resp := TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.accessTTL.Seconds()),
		Scope:       claims.Scope,
	}

	ttl := ts.refreshTTL
	if remaining := g.ExpiresAt.Sub(now); remaining < ttl {
		ttl = remaining
	}
	if ttl > 0 {
		refresh, err := randomToken(32)
		if err != nil {
			return TokenResponse{}, err
		}
		payload, err := json.Marshal(RefreshToken{ClientID: clientID, GrantID: g.ID, Scope: scope})
		if err != nil {
			return TokenResponse{}, err
		}
		if err := ts.store.Put(ctx, refreshKey(refresh), payload, ttl); err != nil {
			return TokenResponse{}, fmt.Errorf("store refresh token: %w", err)
		}
		resp.RefreshToken = refresh
	}
	return resp, nil
}

// Redeem consumes a refresh token. Each refresh token is usable once; the
// caller issues its replacement.
func (ts *TokenService) Redeem(ctx context.Context, token, clientID string) (RefreshToken, error) {
	payload, err := ts.store.Take(ctx, refreshKey(token))
	if errors.Is(err, store.ErrNotFound) {
		return RefreshToken{}, fmt.Errorf("%w: refresh token invalid or expired", errInvalidGrant)
	}
	if err != nil {
		return RefreshToken{}, err
	}
	var rt RefreshToken
	if err := json.Unmarshal(payload, &rt); err != nil {
		return RefreshToken{}, fmt.Errorf("decode refresh token: %w", err)
	}
	if rt.ClientID != clientID {
		return RefreshToken{}, fmt.Errorf("%w: refresh token client mismatch", errInvalidGrant)
	}
	return rt, nil
}

// ValidateAccessToken parses and validates a minted JWT.
func (ts *TokenService) ValidateAccessToken(raw string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, ts.keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(ts.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ts.now),
	)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.GrantID == "" {
		return nil, errors.New("token missing sub or grant_id")
	}
	return claims, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
