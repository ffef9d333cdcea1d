package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const signingKeysFile = "signing-keys.json"

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
}

// SigningKeys holds the RS256 keys for downstream access tokens. The
// previous key is kept after rotation so outstanding tokens stay valid.
type SigningKeys struct {
	mu          sync.RWMutex
	current     keyPair
	previous    []keyPair
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewSigningKeys loads keys from secretsDir or creates them. An empty
// secretsDir keeps keys in memory only.
func NewSigningKeys(secretsDir string, rotateEvery time.Duration, logger *slog.Logger) (*SigningKeys, error) {
	m := &SigningKeys{
		rotateEvery: rotateEvery,
		logger:      logger,
	}
	if secretsDir != "" {
		m.storePath = filepath.Join(secretsDir, signingKeysFile)
		if err := m.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
	}
	if m.current.PrivateKey == nil {
		if err := m.rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates keys on a ticker until stop is closed.
func (m *SigningKeys) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("signing key rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs claims with the current key and sets its kid.
func (m *SigningKeys) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.Kid
	return token.SignedString(m.current.PrivateKey)
}

// Keyfunc resolves the verification key by kid for jwt parsing.
func (m *SigningKeys) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == m.current.Kid {
		return &m.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("unknown kid %q", kid)
}

// PublicJWKS exposes public keys for the JWKS endpoint.
func (m *SigningKeys) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.JWK.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// Rotate replaces the current key immediately.
func (m *SigningKeys) Rotate() error {
	return m.rotate()
}

func (m *SigningKeys) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	kid, err := randomKID()
	if err != nil {
		return err
	}
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	m.mu.Lock()
	if m.current.PrivateKey != nil {
		m.previous = append([]keyPair{m.current}, m.previous...)
		if len(m.previous) > 1 {
			m.previous = m.previous[:1]
		}
	}
	m.current = keyPair{PrivateKey: key, JWK: jwk, Kid: kid}
	m.mu.Unlock()

	if m.storePath != "" {
		if err := m.persist(); err != nil {
			return err
		}
	}
	m.logger.Info("signing key rotated", "kid", kid)
	return nil
}

func (m *SigningKeys) persist() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := []jose.JSONWebKey{m.current.JWK}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK)
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *SigningKeys) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	var pairs []keyPair
	for _, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pairs = append(pairs, keyPair{PrivateKey: priv, JWK: key, Kid: key.KeyID})
	}
	if len(pairs) == 0 {
		return errors.New("no private keys in key file")
	}
	m.current = pairs[0]
	m.previous = pairs[1:]
	return nil
}

func randomKID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate kid: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
