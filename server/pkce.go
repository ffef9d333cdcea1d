package server

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/oauth2"
)

// PKCEMethod is the only supported challenge method.
const PKCEMethod = "S256"

var (
	errPKCEMissing  = errors.New("code_verifier required")
	errPKCEMethod   = errors.New("code_challenge_method must be S256")
	errPKCEMismatch = errors.New("pkce verification failed")
	errPKCELength   = errors.New("code_verifier must be 43 to 128 characters")
)

// PKCE is a verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCE returns a fresh pair. The verifier is 32 random bytes encoded as
// 43 unpadded base64url characters.
func NewPKCE() PKCE {
	verifier := oauth2.GenerateVerifier()
	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    PKCEMethod,
	}
}

// VerifyPKCE checks verifier against a stored S256 challenge.
func VerifyPKCE(challenge, method, verifier string) error {
	if method != PKCEMethod {
		return errPKCEMethod
	}
	if verifier == "" {
		return errPKCEMissing
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return errPKCELength
	}
	expected := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return errPKCEMismatch
	}
	return nil
}
