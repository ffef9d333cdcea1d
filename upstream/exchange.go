package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"golang.org/x/oauth2"
)

const maxLoggedBody = 2048

// TokenSet is the upstream token endpoint response.
type TokenSet struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
}

// Exchange trades an authorization code and its PKCE verifier for tokens.
// The redirect_uri sent is the one used to build the authorization URL.
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (*TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, &ExchangeError{
				StatusCode: re.Response.StatusCode,
				Body:       truncate(string(re.Body), maxLoggedBody),
				Err:        err,
			}
		}
		return nil, &ExchangeError{Err: err}
	}

	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn(tok.Extra("expires_in")),
	}
	set.IDToken, _ = tok.Extra("id_token").(string)
	return set, nil
}

func expiresIn(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
