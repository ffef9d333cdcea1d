package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"notegate/store"
	"notegate/upstream"
)

// UpstreamProvider is the identity provider the broker delegates sign-in to.
type UpstreamProvider interface {
	AuthCodeURL(state, challenge string) string
	Exchange(ctx context.Context, code, verifier string) (*upstream.TokenSet, error)
	VerifyIDToken(ctx context.Context, raw string) (*upstream.Claims, error)
}

// Broker runs the /authorize, consent and /callback flow that binds a
// downstream authorization request to an upstream sign-in.
type Broker struct {
	downstream *Downstream
	upstream   UpstreamProvider
	store      store.Store
	cookies    *Cookies
	metrics    *Metrics
	logger     *slog.Logger
}

// NewBroker wires the broker.
func NewBroker(downstream *Downstream, up UpstreamProvider, st store.Store, cookies *Cookies, metrics *Metrics, logger *slog.Logger) *Broker {
	return &Broker{
		downstream: downstream,
		upstream:   up,
		store:      st,
		cookies:    cookies,
		metrics:    metrics,
		logger:     logger,
	}
}

func (b *Broker) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	req, err := b.downstream.ParseAuthorizationRequest(r)
	if err != nil {
		b.fail(w, r, "authorize", err)
		return
	}

	if b.cookies.Approved(r, req.ClientID) {
		b.metrics.Event("authorize", "auto_approved")
		b.redirectUpstream(w, r, req)
		return
	}

	client, _ := b.downstream.clients.Get(req.ClientID)
	csrf, err := b.cookies.IssueCSRF(w)
	if err != nil {
		b.fail(w, r, "authorize", err)
		return
	}
	state, err := encodeConsentState(req)
	if err != nil {
		b.fail(w, r, "authorize", err)
		return
	}
	err = renderConsent(w, consentView{
		ClientID:     client.ClientID,
		ClientName:   client.Name,
		RedirectHost: redirectHost(req.RedirectURI),
		Scopes:       req.Scope,
		State:        state,
		CSRFToken:    csrf,
	})
	if err != nil {
		b.logger.Error("render consent", "error", err)
		return
	}
	b.metrics.Event("authorize", "consent_rendered")
}

func (b *Broker) handleConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		b.fail(w, r, "consent", invalidRequest("invalid form"))
		return
	}
	if err := b.cookies.ValidateCSRF(r); err != nil {
		b.fail(w, r, "consent", err)
		return
	}

	req, err := decodeConsentState(r.PostForm.Get("state"))
	if err != nil {
		b.fail(w, r, "consent", err)
		return
	}
	if _, err := b.downstream.ValidateRequest(req); err != nil {
		b.fail(w, r, "consent", err)
		return
	}

	b.cookies.ClearCSRF(w)
	if err := b.cookies.Approve(w, r, req.ClientID); err != nil {
		b.logger.Warn("record approval", "error", err, "client_id", req.ClientID)
	}
	b.metrics.Event("consent", "approved")
	b.redirectUpstream(w, r, req)
}

// redirectUpstream starts the upstream PKCE round trip for req.
func (b *Broker) redirectUpstream(w http.ResponseWriter, r *http.Request, req AuthorizationRequest) {
	pkce := NewPKCE()
	state, err := newStateToken()
	if err != nil {
		b.fail(w, r, "upstream_redirect", err)
		return
	}
	payload, err := json.Marshal(PendingAuthState{Request: req, CodeVerifier: pkce.Verifier})
	if err != nil {
		b.fail(w, r, "upstream_redirect", err)
		return
	}
	if err := b.store.Put(r.Context(), pendingKey(state), payload, PendingStateTTL); err != nil {
		b.fail(w, r, "upstream_redirect", fmt.Errorf("store pending state: %w", err))
		return
	}
	b.cookies.SetBinder(w, state)
	b.metrics.Event("upstream_redirect", "ok")
	http.Redirect(w, r, b.upstream.AuthCodeURL(state, pkce.Challenge), http.StatusFound)
}

func (b *Broker) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		msg := upstreamErr
		if desc := q.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		b.fail(w, r, "callback", invalidRequest("%s", msg))
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		b.fail(w, r, "callback", invalidRequest("missing code or state"))
		return
	}
	if !b.cookies.BinderMatches(r, state) {
		b.fail(w, r, "callback", ErrSessionMismatch)
		return
	}

	payload, err := b.store.Take(ctx, pendingKey(state))
	if errors.Is(err, store.ErrNotFound) {
		b.fail(w, r, "callback", ErrStateExpiredOrReplayed)
		return
	}
	if err != nil {
		b.fail(w, r, "callback", fmt.Errorf("take pending state: %w", err))
		return
	}
	var pending PendingAuthState
	if err := json.Unmarshal(payload, &pending); err != nil {
		b.fail(w, r, "callback", fmt.Errorf("decode pending state: %w", err))
		return
	}

	start := time.Now()
	tokens, err := b.upstream.Exchange(ctx, code, pending.CodeVerifier)
	b.metrics.ObserveUpstream("exchange", start)
	if err != nil {
		b.fail(w, r, "exchange", err)
		return
	}
	if tokens.IDToken == "" {
		b.fail(w, r, "exchange", upstream.ErrMissingIDToken)
		return
	}

	start = time.Now()
	claims, err := b.upstream.VerifyIDToken(ctx, tokens.IDToken)
	b.metrics.ObserveUpstream("verify", start)
	if err != nil {
		b.fail(w, r, "verify", err)
		return
	}
	setSubject(ctx, claims.Subject)

	redirect, err := b.downstream.CompleteAuthorization(ctx, pending.Request, DownstreamGrant{
		UserID: claims.Subject,
		Props: GrantProps{
			UpstreamAccessToken:  tokens.AccessToken,
			UpstreamRefreshToken: tokens.RefreshToken,
			Email:                claims.Email,
			Name:                 claims.Name,
			Groups:               claims.Groups,
		},
		Metadata: map[string]string{"issuer": claims.Issuer},
	})
	if err != nil {
		b.fail(w, r, "complete", err)
		return
	}

	b.cookies.ClearBinder(w)
	b.metrics.Event("complete", "ok")
	b.logger.Info("authorization completed",
		"request_id", RequestIDFromContext(ctx),
		"client_id", pending.Request.ClientID,
		"user_sub", claims.Subject)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// fail writes the public error for err, clears the binder cookie when the
// request carried one and logs the internal cause.
func (b *Broker) fail(w http.ResponseWriter, r *http.Request, stage string, err error) {
	status, msg := statusFor(err)
	if b.cookies.HasBinder(r) {
		b.cookies.ClearBinder(w)
	}

	attrs := []any{
		"stage", stage,
		"status", status,
		"error", err,
		"request_id", RequestIDFromContext(r.Context()),
	}
	var exErr *upstream.ExchangeError
	if errors.As(err, &exErr) && exErr.StatusCode != 0 {
		attrs = append(attrs, "upstream_status", exErr.StatusCode, "upstream_body", exErr.Body)
	}
	if status >= http.StatusInternalServerError {
		b.logger.Error("authorization failed", attrs...)
	} else {
		b.logger.Warn("authorization failed", attrs...)
	}

	b.metrics.Event(stage, strconv.Itoa(status))
	http.Error(w, msg, status)
}

// newStateToken returns 128 random bits, hex encoded.
func newStateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("state token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
