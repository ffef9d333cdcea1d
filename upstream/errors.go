package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedToken is returned for anything that is not a three-segment compact JWT.
	ErrMalformedToken = errors.New("malformed token")
	// ErrUnsupportedAlgorithm is returned when the header alg is not RS256.
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	// ErrUnknownSigningKey is returned when no key in the JWKS matches the token kid.
	ErrUnknownSigningKey = errors.New("unknown signing key")
	// ErrInvalidSignature is returned when the RS256 signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrTokenExpired is returned when exp is in the past.
	ErrTokenExpired = errors.New("expired token")
	// ErrInvalidClaims covers issuer, audience and subject failures.
	ErrInvalidClaims = errors.New("invalid token claims")
	// ErrJWKSFetch is returned when the signing-key set cannot be retrieved.
	ErrJWKSFetch = errors.New("jwks fetch failed")
	// ErrExchangeFailed is returned when the token endpoint rejects the code.
	ErrExchangeFailed = errors.New("upstream exchange failed")
	// ErrMissingIDToken is returned when the token response has no id_token.
	ErrMissingIDToken = errors.New("id_token missing in response")
)

// ExchangeError carries the upstream response for operator diagnosis. Its
// Body must never be forwarded to end users.
type ExchangeError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream exchange failed: status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream exchange failed: %v", e.Err)
}

// Unwrap lets errors.Is match ErrExchangeFailed.
func (e *ExchangeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExchangeFailed}
	}
	return []error{ErrExchangeFailed, e.Err}
}
