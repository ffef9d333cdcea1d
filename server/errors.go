package server

import (
	"errors"
	"fmt"
	"net/http"

	"notegate/grant"
	"notegate/upstream"
)

var (
	// ErrInvalidRequest marks caller errors with a public message.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrCSRFMismatch is returned when the consent form and cookie disagree.
	ErrCSRFMismatch = errors.New("csrf token mismatch")
	// ErrSessionMismatch is returned when the binder cookie does not equal state.
	ErrSessionMismatch = errors.New("session mismatch")
	// ErrStateExpiredOrReplayed is returned when no pending state exists.
	ErrStateExpiredOrReplayed = errors.New("invalid or expired state")
	// ErrGrantNotFound is returned when a grant is missing or expired.
	ErrGrantNotFound = errors.New("grant not found")
	// ErrUnauthorized is returned for missing or invalid bearer tokens.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when a credential is valid but does not cover the resource.
	ErrForbidden = errors.New("forbidden")
)

// requestError carries a caller-facing message for a 400 response.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func (e *requestError) Is(target error) bool { return target == ErrInvalidRequest }

func invalidRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// statusFor maps an error to an HTTP status and a message safe to show the
// end user. Upstream bodies and internal causes never reach the message.
func statusFor(err error) (int, string) {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return http.StatusBadRequest, re.msg
	case errors.Is(err, ErrCSRFMismatch):
		return http.StatusForbidden, "csrf validation failed"
	case errors.Is(err, ErrSessionMismatch):
		return http.StatusBadRequest, "session mismatch"
	case errors.Is(err, ErrStateExpiredOrReplayed):
		return http.StatusBadRequest, "invalid or expired state"
	case errors.Is(err, grant.ErrMalformedGrantToken):
		return http.StatusBadRequest, "malformed grant token"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrGrantNotFound):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, upstream.ErrExchangeFailed):
		return http.StatusBadGateway, "upstream token exchange failed"
	case errors.Is(err, upstream.ErrMissingIDToken):
		return http.StatusBadGateway, "upstream did not return an id_token"
	case errors.Is(err, upstream.ErrJWKSFetch):
		return http.StatusBadGateway, "upstream signing keys unavailable"
	case errors.Is(err, upstream.ErrTokenExpired):
		return http.StatusUnauthorized, "expired token"
	case errors.Is(err, upstream.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, upstream.ErrMalformedToken):
		return http.StatusUnauthorized, "malformed token"
	case errors.Is(err, upstream.ErrUnknownSigningKey):
		return http.StatusUnauthorized, "unknown signing key"
	case errors.Is(err, upstream.ErrUnsupportedAlgorithm), errors.Is(err, upstream.ErrInvalidClaims):
		return http.StatusUnauthorized, "identity token rejected"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
