package upstream

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultCacheTTL           = time.Hour
	defaultMinRefreshInterval = 30 * time.Second
	maxJWKSBytes              = 1 << 20
)

// VerifierConfig configures ID-token verification.
type VerifierConfig struct {
	JWKSURL string
	// Issuer and Audience are checked only when set.
	Issuer   string
	Audience string
	// CacheTTL bounds how long a fetched key set is trusted without refetching.
	CacheTTL time.Duration
	// MinRefreshInterval bounds refetches triggered by unknown kids.
	MinRefreshInterval time.Duration
	HTTPClient         *http.Client
	Now                func() time.Time
}

// Verifier checks RS256 ID tokens against the upstream JWKS. The key set is
// cached by kid and shared by all callers.
type Verifier struct {
	cfg     VerifierConfig
	client  *http.Client
	now     func() time.Time
	limiter *rate.Limiter
	group   singleflight.Group
	forced  atomic.Bool
	fetches atomic.Int64

	mu    sync.RWMutex
	cache keyCache
}

type keyCache struct {
	keys    map[string]*rsa.PublicKey
	expires time.Time
	etag    string
	err     error
}

// Claims is the verified ID-token payload.
type Claims struct {
	Subject   string
	Email     string
	Name      string
	Groups    []string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Raw       map[string]any
}

// NewVerifier creates a verifier with defaults applied.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = defaultMinRefreshInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		cfg:     cfg,
		client:  client,
		now:     now,
		limiter: rate.NewLimiter(rate.Every(cfg.MinRefreshInterval), 1),
	}
}

// Verify validates rawToken and returns its claims.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if strings.Count(rawToken, ".") != 2 {
		return nil, ErrMalformedToken
	}

	// exp is whole seconds and a token is expired only once exp < now; the
	// parser alone rejects exp == now.
	opts := []jwt.ParserOption{jwt.WithTimeFunc(v.now), jwt.WithLeeway(time.Second)}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	var keyErr error
	mc := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(rawToken, mc, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			keyErr = fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, token.Method.Alg())
			return nil, keyErr
		}
		kid, _ := token.Header["kid"].(string)
		key, err := v.key(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		return key, nil
	})
	if keyErr != nil {
		return nil, keyErr
	}
	if err != nil {
		return nil, classify(err)
	}
	return claimsFrom(mc)
}

// Invalidate drops the cached key set; the next verification refetches it
// regardless of the refresh limiter.
func (v *Verifier) Invalidate() {
	v.mu.Lock()
	v.cache = keyCache{}
	v.mu.Unlock()
	v.forced.Store(true)
}

// Fetches reports how many JWKS requests have been issued.
func (v *Verifier) Fetches() int64 {
	return v.fetches.Load()
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}
}

func (v *Verifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	key, fresh := v.lookup(kid)
	if key != nil && fresh {
		return key, nil
	}
	if err := v.refresh(ctx); err != nil {
		if key != nil {
			// A stale key beats failing closed while the JWKS endpoint is down.
			return key, nil
		}
		return nil, err
	}
	if key, _ := v.lookup(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q not in [%s]", ErrUnknownSigningKey, kid, strings.Join(v.kids(), ", "))
}

func (v *Verifier) lookup(kid string) (*rsa.PublicKey, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cache.keys[kid], v.now().Before(v.cache.expires)
}

func (v *Verifier) kids() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.cache.keys))
	for kid := range v.cache.keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}

// refresh refetches the key set. Concurrent callers share one request and
// refetches are rate limited; a throttled caller sees the last fetch error
// when no keys are cached.
func (v *Verifier) refresh(ctx context.Context) error {
	_, err, _ := v.group.Do("jwks", func() (any, error) {
		if !v.forced.Swap(false) && !v.limiter.AllowN(v.now(), 1) {
			v.mu.RLock()
			defer v.mu.RUnlock()
			if len(v.cache.keys) == 0 {
				return nil, v.cache.err
			}
			return nil, nil
		}
		return nil, v.fetch(ctx)
	})
	return err
}

func (v *Verifier) fetch(ctx context.Context) error {
	v.fetches.Add(1)

	v.mu.RLock()
	etag := v.cache.etag
	haveKeys := len(v.cache.keys) > 0
	v.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return v.fail(fmt.Errorf("%w: %v", ErrJWKSFetch, err))
	}
	req.Header.Set("Accept", "application/json")
	if etag != "" && haveKeys {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return v.fail(fmt.Errorf("%w: %v", ErrJWKSFetch, err))
	}
	defer resp.Body.Close()

	lifetime := cacheLifetime(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL)

	if resp.StatusCode == http.StatusNotModified && haveKeys {
		v.mu.Lock()
		v.cache.expires = v.now().Add(lifetime)
		v.cache.err = nil
		v.mu.Unlock()
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return v.fail(fmt.Errorf("%w: %s", ErrJWKSFetch, resp.Status))
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return v.fail(fmt.Errorf("%w: decode: %v", ErrJWKSFetch, err))
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if pub, ok := k.Key.(*rsa.PublicKey); ok {
			keys[k.KeyID] = pub
		}
	}

	v.mu.Lock()
	v.cache = keyCache{
		keys:    keys,
		expires: v.now().Add(lifetime),
		etag:    resp.Header.Get("ETag"),
	}
	v.mu.Unlock()
	return nil
}

func (v *Verifier) fail(err error) error {
	v.mu.Lock()
	v.cache.err = err
	v.mu.Unlock()
	return err
}

// cacheLifetime honours a Cache-Control max-age shorter than the configured TTL.
func cacheLifetime(header string, ttl time.Duration) time.Duration {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 || !strings.EqualFold(kv[0], "max-age") {
			continue
		}
		secs, err := strconv.Atoi(kv[1])
		if err != nil || secs < 0 {
			continue
		}
		if d := time.Duration(secs) * time.Second; d < ttl {
			return d
		}
	}
	return ttl
}

func claimsFrom(mc jwt.MapClaims) (*Claims, error) {
	sub, _ := mc.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: sub missing", ErrInvalidClaims)
	}
	iss, _ := mc.GetIssuer()
	aud, _ := mc.GetAudience()

	raw := make(map[string]any, len(mc))
	for k, val := range mc {
		raw[k] = val
	}

	c := &Claims{
		Subject:  sub,
		Issuer:   iss,
		Audience: []string(aud),
		Raw:      raw,
	}
	if exp, _ := mc.GetExpirationTime(); exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, _ := mc.GetIssuedAt(); iat != nil {
		c.IssuedAt = iat.Time
	}
	c.Email, _ = mc["email"].(string)
	if name, ok := mc["name"].(string); ok {
		c.Name = name
	} else if preferred, ok := mc["preferred_username"].(string); ok {
		c.Name = preferred
	}
	c.Groups = stringList(mc["groups"])
	return c, nil
}

func stringList(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
