package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"notegate/upstream"
)

// Token, cookie and flow defaults.
const (
	DefaultAccessTTL      = 10 * time.Minute
	DefaultRefreshTTL     = 30 * 24 * time.Hour
	DefaultCodeTTL        = 5 * time.Minute
	DefaultKeyRotation    = 24 * time.Hour
	DefaultApprovalTTL    = 30 * 24 * time.Hour
	DefaultJWKSCacheTTL   = time.Hour
	DefaultJWKSMinRefresh = 30 * time.Second
	DefaultKernelTimeout  = 30 * time.Second
	PendingStateTTL       = 600 * time.Second
	minSecretLength       = 16
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Store    StoreConfig    `yaml:"store"`
	Clients  []ClientConfig `yaml:"clients"`
	Tokens   TokenConfig    `yaml:"tokens"`
	Cookies  CookieConfig   `yaml:"cookies"`
	Kernel   KernelConfig   `yaml:"kernel"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// UpstreamConfig describes the single upstream identity provider.
type UpstreamConfig struct {
	Issuer           string        `yaml:"issuer"`
	TeamDomain       string        `yaml:"team_domain"`
	ClientID         string        `yaml:"client_id"`
	ClientSecret     string        `yaml:"client_secret"`
	AuthorizationURL string        `yaml:"authorization_url"`
	TokenURL         string        `yaml:"token_url"`
	JWKSURL          string        `yaml:"jwks_url"`
	Scopes           []string      `yaml:"scopes"`
	Audience         string        `yaml:"audience"`
	JWKSCacheTTL     time.Duration `yaml:"jwks_cache_ttl"`
	JWKSMinRefresh   time.Duration `yaml:"jwks_min_refresh_interval"`
}

// StoreConfig selects the durable state backend.
type StoreConfig struct {
	Backend   string      `yaml:"backend"`
	KeyPrefix string      `yaml:"key_prefix"`
	Redis     RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addrs      []string `yaml:"addrs"`
	MasterName string   `yaml:"master_name"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	DB         int      `yaml:"db"`
}

// ClientConfig describes a downstream OAuth client.
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Name         string   `yaml:"name"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
}

// TokenConfig controls downstream token lifetimes.
type TokenConfig struct {
	AccessTTL      time.Duration `yaml:"access_ttl"`
	RefreshTTL     time.Duration `yaml:"refresh_ttl"`
	CodeTTL        time.Duration `yaml:"code_ttl"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
}

// CookieConfig holds the long-lived secret shared by the approval cookie and
// download grant tokens.
type CookieConfig struct {
	Secret      string        `yaml:"secret"`
	ApprovalTTL time.Duration `yaml:"approval_ttl"`
}

// KernelConfig points at the note kernel that serves file downloads.
type KernelConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	DownloadPrefix string        `yaml:"download_prefix"`
	Timeout        time.Duration `yaml:"timeout"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Upstream: UpstreamConfig{
			Scopes:         []string{"openid", "email", "profile"},
			JWKSCacheTTL:   DefaultJWKSCacheTTL,
			JWKSMinRefresh: DefaultJWKSMinRefresh,
		},
		Store: StoreConfig{
			Backend:   "memory",
			KeyPrefix: "notegate:",
		},
		Tokens: TokenConfig{
			AccessTTL:      DefaultAccessTTL,
			RefreshTTL:     DefaultRefreshTTL,
			CodeTTL:        DefaultCodeTTL,
			RotateInterval: DefaultKeyRotation,
		},
		Cookies: CookieConfig{
			ApprovalTTL: DefaultApprovalTTL,
		},
		Kernel: KernelConfig{
			DownloadPrefix: "/files",
			Timeout:        DefaultKernelTimeout,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// applyDefaults fills zero durations left by a partial YAML file.
func (c *Config) applyDefaults() {
	setDuration := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setDuration(&c.Tokens.AccessTTL, DefaultAccessTTL)
	setDuration(&c.Tokens.RefreshTTL, DefaultRefreshTTL)
	setDuration(&c.Tokens.CodeTTL, DefaultCodeTTL)
	setDuration(&c.Cookies.ApprovalTTL, DefaultApprovalTTL)
	setDuration(&c.Upstream.JWKSCacheTTL, DefaultJWKSCacheTTL)
	setDuration(&c.Upstream.JWKSMinRefresh, DefaultJWKSMinRefresh)
	setDuration(&c.Kernel.Timeout, DefaultKernelTimeout)
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"NOTEGATE_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"NOTEGATE_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"NOTEGATE_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"NOTEGATE_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"NOTEGATE_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"NOTEGATE_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"NOTEGATE_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"NOTEGATE_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"NOTEGATE_SECRET":                   func(v string) { cfg.Cookies.Secret = v },
		"NOTEGATE_UPSTREAM_ISSUER":          func(v string) { cfg.Upstream.Issuer = v },
		"NOTEGATE_UPSTREAM_TEAM_DOMAIN":     func(v string) { cfg.Upstream.TeamDomain = v },
		"NOTEGATE_UPSTREAM_CLIENT_ID":       func(v string) { cfg.Upstream.ClientID = v },
		"NOTEGATE_UPSTREAM_CLIENT_SECRET":   func(v string) { cfg.Upstream.ClientSecret = v },
		"NOTEGATE_STORE_BACKEND":            func(v string) { cfg.Store.Backend = v },
		"NOTEGATE_STORE_REDIS_ADDRS":        func(v string) { cfg.Store.Redis.Addrs = splitAndTrim(v) },
		"NOTEGATE_STORE_REDIS_PASSWORD":     func(v string) { cfg.Store.Redis.Password = v },
		"NOTEGATE_STORE_REDIS_DB":           func(v string) { cfg.Store.Redis.DB = parseInt(v, cfg.Store.Redis.DB) },
		"NOTEGATE_KERNEL_BASE_URL":          func(v string) { cfg.Kernel.BaseURL = v },
		"NOTEGATE_KERNEL_TOKEN":             func(v string) { cfg.Kernel.Token = v },
		"NOTEGATE_TOKENS_ACCESS_TTL":        func(v string) { cfg.Tokens.AccessTTL = parseDuration(v, cfg.Tokens.AccessTTL) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// PublicBase returns the public URL without a trailing slash.
func (c Config) PublicBase() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

// CallbackURL is the redirect_uri registered with the upstream provider.
func (c Config) CallbackURL() string {
	return c.PublicBase() + "/callback"
}

// UpstreamClient converts the upstream section into provider settings. The
// expected ID token audience defaults to the upstream client id.
func (c Config) UpstreamClient() upstream.Config {
	audience := c.Upstream.Audience
	if audience == "" {
		audience = c.Upstream.ClientID
	}
	return upstream.Config{
		Issuer:                 c.Upstream.Issuer,
		TeamDomain:             c.Upstream.TeamDomain,
		ClientID:               c.Upstream.ClientID,
		ClientSecret:           c.Upstream.ClientSecret,
		AuthorizationURL:       c.Upstream.AuthorizationURL,
		TokenURL:               c.Upstream.TokenURL,
		JWKSURL:                c.Upstream.JWKSURL,
		Scopes:                 c.Upstream.Scopes,
		RedirectURL:            c.CallbackURL(),
		Audience:               audience,
		JWKSCacheTTL:           c.Upstream.JWKSCacheTTL,
		JWKSMinRefreshInterval: c.Upstream.JWKSMinRefresh,
	}
}

// SecureCookies reports whether cookies carry Secure and the __Host- prefix.
func (c Config) SecureCookies() bool {
	return strings.HasPrefix(c.Server.PublicURL, "https://")
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "https required in production")
		return errors.New("server.public_url must use https outside dev mode")
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if len(c.Cookies.Secret) < minSecretLength {
		slog.Error("Missing or short secret", "field", "cookies.secret", "min_length", minSecretLength)
		return fmt.Errorf("cookies.secret must be at least %d characters", minSecretLength)
	}

	if c.Upstream.ClientID == "" {
		slog.Error("Missing required configuration", "field", "upstream.client_id")
		return errors.New("upstream.client_id is required")
	}
	explicit := c.Upstream.AuthorizationURL != "" && c.Upstream.TokenURL != "" && c.Upstream.JWKSURL != ""
	if !explicit && c.Upstream.TeamDomain == "" && c.Upstream.Issuer == "" {
		slog.Error("Upstream endpoints unresolvable", "fields", []string{"upstream.authorization_url", "upstream.token_url", "upstream.jwks_url", "upstream.team_domain", "upstream.issuer"})
		return errors.New("upstream endpoints require explicit urls, team_domain or issuer")
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if len(c.Store.Redis.Addrs) == 0 {
			slog.Error("Missing required configuration", "field", "store.redis.addrs")
			return errors.New("store.redis.addrs is required for the redis backend")
		}
	default:
		slog.Error("Invalid configuration value", "field", "store.backend", "value", c.Store.Backend, "valid_values", []string{"memory", "redis"})
		return fmt.Errorf("store.backend must be 'memory' or 'redis', got: %s", c.Store.Backend)
	}

	if len(c.Clients) == 0 {
		slog.Error("No OAuth clients configured", "field", "clients")
		return errors.New("at least one client must be configured")
	}
	seen := make(map[string]bool, len(c.Clients))
	for i, client := range c.Clients {
		if client.ClientID == "" {
			slog.Error("OAuth client missing client_id", "index", i)
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if seen[client.ClientID] {
			slog.Error("Duplicate OAuth client", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d]: duplicate client_id %s", i, client.ClientID)
		}
		seen[client.ClientID] = true
		if len(client.RedirectURIs) == 0 {
			slog.Error("OAuth client missing redirect URIs", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !isSafeRedirectURI(uri) {
				slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j, "reason", "must be a safe HTTP(S) URL")
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] is not a safe http(s) url: %s", i, client.ClientID, j, uri)
			}
		}
	}

	if c.Kernel.BaseURL != "" {
		u, err := url.Parse(c.Kernel.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			slog.Error("Invalid kernel URL", "field", "kernel.base_url", "value", c.Kernel.BaseURL)
			return fmt.Errorf("kernel.base_url must be an absolute http(s) url, got: %s", c.Kernel.BaseURL)
		}
	}

	return nil
}
