package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the broker, token and download endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(PreflightMiddleware)
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/.well-known/oauth-authorization-server", a.Downstream.handleServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", a.Downstream.handleResourceMetadata)
	r.Get("/.well-known/jwks.json", a.Downstream.handleJWKS)

	r.Get("/authorize", a.Broker.handleAuthorize)
	r.Post("/authorize", a.Broker.handleConsent)
	r.Get("/callback", a.Broker.handleCallback)
	r.Post("/token", a.Downstream.handleToken)

	r.Get("/download/{token}/*", a.Downloads.handleDownload)
	r.Get("/download-link", a.Downloads.handleDownloadLink)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	return r
}
