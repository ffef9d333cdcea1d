package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"notegate/store"
	"notegate/upstream"
)

const sweepInterval = time.Minute

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Store      store.Store
	Keys       *SigningKeys
	Tokens     *TokenService
	Clients    *ClientRegistry
	Downstream *Downstream
	Broker     *Broker
	Downloads  *Downloads
	Metrics    *Metrics

	stop      chan struct{}
	closeOnce sync.Once
}

type appOptions struct {
	store    store.Store
	upstream UpstreamProvider
	now      func() time.Time
}

// Option customizes NewApp.
type Option func(*appOptions)

// WithStore replaces the configured store backend.
func WithStore(s store.Store) Option {
	return func(o *appOptions) { o.store = s }
}

// WithUpstream replaces the upstream provider built from configuration.
func WithUpstream(p UpstreamProvider) Option {
	return func(o *appOptions) { o.upstream = p }
}

// WithClock sets the clock used for TTLs, cookies and token expiry.
func WithClock(now func() time.Time) Option {
	return func(o *appOptions) { o.now = now }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := appOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: NewMetrics(),
		stop:    make(chan struct{}),
	}

	st := o.store
	if st == nil {
		var err error
		st, err = app.openStore(ctx, o.now)
		if err != nil {
			return nil, err
		}
	}
	app.Store = st

	keys, err := NewSigningKeys(cfg.Server.SecretsPath, cfg.Tokens.RotateInterval, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Keys = keys

	clients, err := NewClientRegistry(cfg.Clients)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Clients = clients

	up := o.upstream
	if up == nil {
		ucfg := cfg.UpstreamClient()
		ucfg.Now = o.now
		provider, err := upstream.New(ctx, ucfg)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("init upstream: %w", err)
		}
		eps := provider.Endpoints()
		logger.Info("upstream provider ready",
			"authorization_url", eps.AuthorizationURL,
			"token_url", eps.TokenURL,
			"jwks_url", eps.JWKSURL)
		up = provider
	}

	app.Tokens = NewTokenService(cfg, st, keys, o.now)
	app.Downstream = NewDownstream(cfg, clients, st, app.Tokens, keys, logger, o.now)
	cookies := NewCookies(cfg.SecureCookies(), cfg.Cookies.Secret, cfg.Cookies.ApprovalTTL, o.now)
	app.Broker = NewBroker(app.Downstream, up, st, cookies, app.Metrics, logger)

	downloads, err := NewDownloads(cfg, app.Downstream, app.Metrics, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Downloads = downloads

	return app, nil
}

func (a *App) openStore(ctx context.Context, now func() time.Time) (store.Store, error) {
	switch a.Config.Store.Backend {
	case "redis":
		rcfg := a.Config.Store.Redis
		st, err := store.NewRedis(ctx, store.RedisConfig{
			Addrs:      rcfg.Addrs,
			MasterName: rcfg.MasterName,
			Username:   rcfg.Username,
			Password:   rcfg.Password,
			DB:         rcfg.DB,
			KeyPrefix:  a.Config.Store.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		a.Logger.Info("store ready", "backend", "redis", "addrs", rcfg.Addrs)
		return st, nil
	default:
		mem := store.NewMemory()
		mem.Now = now
		mem.StartSweeper(sweepInterval, a.stop)
		a.Logger.Info("store ready", "backend", "memory")
		return mem, nil
	}
}

// StartBackground launches signing-key rotation until Close.
func (a *App) StartBackground() {
	a.Keys.StartRotation(a.stop)
}

// Close stops background work and releases the store.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stop)
		err = a.Store.Close()
	})
	return err
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
