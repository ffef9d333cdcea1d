package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	csrfCookieBase     = "notegate_csrf"
	binderCookieBase   = "notegate_state"
	approvalCookieBase = "notegate_approved"
	csrfFormField      = "csrf_token"
	csrfTTL            = 10 * time.Minute
	maxApprovedClients = 20
	approvalIssuer     = "notegate"
)

// Cookies issues and checks the browser-bound cookies of the consent flow.
type Cookies struct {
	secure      bool
	secret      []byte
	approvalTTL time.Duration
	now         func() time.Time
}

// NewCookies returns a cookie helper. secure enables the Secure attribute and
// the __Host- name prefix.
func NewCookies(secure bool, secret string, approvalTTL time.Duration, now func() time.Time) *Cookies {
	if now == nil {
		now = time.Now
	}
	return &Cookies{secure: secure, secret: []byte(secret), approvalTTL: approvalTTL, now: now}
}

func (c *Cookies) name(base string) string {
	if c.secure {
		return "__Host-" + base
	}
	return base
}

func (c *Cookies) set(w http.ResponseWriter, base, value string, maxAge time.Duration, sameSite http.SameSite) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(base),
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: sameSite,
	})
}

func (c *Cookies) clear(w http.ResponseWriter, base string, sameSite http.SameSite) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(base),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: sameSite,
	})
}

func (c *Cookies) value(r *http.Request, base string) string {
	cookie, err := r.Cookie(c.name(base))
	if err != nil {
		return ""
	}
	return cookie.Value
}

// IssueCSRF sets the CSRF cookie and returns the token for the consent form.
func (c *Cookies) IssueCSRF(w http.ResponseWriter) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("csrf token: %w", err)
	}
	token := hex.EncodeToString(buf)
	c.set(w, csrfCookieBase, token, csrfTTL, http.SameSiteStrictMode)
	return token, nil
}

// ValidateCSRF requires the csrf_token form field and the CSRF cookie to be
// present and equal. The form must already be parsed.
func (c *Cookies) ValidateCSRF(r *http.Request) error {
	form := r.PostFormValue(csrfFormField)
	cookie := c.value(r, csrfCookieBase)
	if form == "" || cookie == "" {
		return ErrCSRFMismatch
	}
	if subtle.ConstantTimeCompare([]byte(form), []byte(cookie)) != 1 {
		return ErrCSRFMismatch
	}
	return nil
}

// ClearCSRF expires the CSRF cookie.
func (c *Cookies) ClearCSRF(w http.ResponseWriter) {
	c.clear(w, csrfCookieBase, http.SameSiteStrictMode)
}

// SetBinder binds this browser to the broker state token.
func (c *Cookies) SetBinder(w http.ResponseWriter, state string) {
	c.set(w, binderCookieBase, state, PendingStateTTL, http.SameSiteLaxMode)
}

// HasBinder reports whether the request carries a binder cookie.
func (c *Cookies) HasBinder(r *http.Request) bool {
	_, err := r.Cookie(c.name(binderCookieBase))
	return err == nil
}

// BinderMatches reports whether the binder cookie byte-equals state.
func (c *Cookies) BinderMatches(r *http.Request, state string) bool {
	bound := c.value(r, binderCookieBase)
	if bound == "" || state == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(bound), []byte(state)) == 1
}

// ClearBinder expires the binder cookie.
func (c *Cookies) ClearBinder(w http.ResponseWriter) {
	c.clear(w, binderCookieBase, http.SameSiteLaxMode)
}

type approvalClaims struct {
	Clients []string `json:"clients"`
	jwt.RegisteredClaims
}

// approvedClients returns the client ids in a valid approval cookie. Any
// invalid, expired or missing cookie yields nil.
func (c *Cookies) approvedClients(r *http.Request) []string {
	raw := c.value(r, approvalCookieBase)
	if raw == "" {
		return nil
	}
	claims := &approvalClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(approvalIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil
	}
	return claims.Clients
}

// Approved reports whether this browser already consented to clientID.
func (c *Cookies) Approved(r *http.Request, clientID string) bool {
	return slices.Contains(c.approvedClients(r), clientID)
}

// Approve records consent for clientID, keeping the most recent approvals.
func (c *Cookies) Approve(w http.ResponseWriter, r *http.Request, clientID string) error {
	if len(c.secret) == 0 {
		return errors.New("approval secret not configured")
	}
	clients := slices.DeleteFunc(slices.Clone(c.approvedClients(r)), func(id string) bool { return id == clientID })
	clients = append(clients, clientID)
	if len(clients) > maxApprovedClients {
		clients = clients[len(clients)-maxApprovedClients:]
	}

	now := c.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, approvalClaims{
		Clients: clients,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    approvalIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.approvalTTL)),
		},
	})
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return fmt.Errorf("sign approval cookie: %w", err)
	}
	c.set(w, approvalCookieBase, signed, c.approvalTTL, http.SameSiteLaxMode)
	return nil
}
