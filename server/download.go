package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"notegate/grant"
)

type downloadPathKey struct{}

// Downloads mints signed download URLs and serves them by proxying to the
// note kernel once the grant behind the token checks out.
type Downloads struct {
	codec      *grant.Codec
	downstream *Downstream
	proxy      *httputil.ReverseProxy
	publicBase string
	metrics    *Metrics
	logger     *slog.Logger
}

// NewDownloads builds the download endpoint. Without a kernel base URL the
// gateway still mints URLs but cannot serve them.
func NewDownloads(cfg Config, downstream *Downstream, metrics *Metrics, logger *slog.Logger) (*Downloads, error) {
	codec, err := grant.NewCodec(cfg.Cookies.Secret)
	if err != nil {
		return nil, err
	}
	d := &Downloads{
		codec:      codec,
		downstream: downstream,
		publicBase: cfg.PublicBase(),
		metrics:    metrics,
		logger:     logger,
	}
	if cfg.Kernel.BaseURL == "" {
		return d, nil
	}

	target, err := url.Parse(cfg.Kernel.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid kernel base_url: %w", err)
	}
	target = target.JoinPath(cfg.Kernel.DownloadPrefix)
	timeout := cfg.Kernel.Timeout
	if timeout <= 0 {
		timeout = DefaultKernelTimeout
	}

	d.proxy = &httputil.ReverseProxy{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
		Director: func(req *http.Request) {
			filePath, _ := req.Context().Value(downloadPathKey{}).(string)
			segments := strings.Split(filePath, "/")
			for i, s := range segments {
				segments[i] = url.PathEscape(s)
			}
			out := target.JoinPath(segments...)
			req.URL.Scheme = out.Scheme
			req.URL.Host = out.Host
			req.URL.Path = out.Path
			req.URL.RawPath = out.RawPath
			req.URL.RawQuery = ""
			req.Host = out.Host

			req.Header.Del("Cookie")
			req.Header.Del("Authorization")
			if cfg.Kernel.Token != "" {
				req.Header.Set("Authorization", "Bearer "+cfg.Kernel.Token)
			}
			req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("Set-Cookie")
			if resp.StatusCode < http.StatusBadRequest {
				d.metrics.Download("served")
			} else {
				d.metrics.Download("kernel_" + strconv.Itoa(resp.StatusCode))
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			d.logger.Error("kernel proxy error", "error", err, "target", target.String(), "request_id", RequestIDFromContext(r.Context()))
			d.metrics.Download("kernel_unreachable")
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}
	return d, nil
}

// URL returns the download URL for filePath on behalf of subject's grant.
func (d *Downloads) URL(subject, grantID, filePath string) (string, error) {
	filePath = strings.TrimPrefix(filePath, "/")
	if err := checkDownloadPath(filePath); err != nil {
		return "", err
	}
	token, err := d.codec.Encode(subject, grantID, filePath)
	if err != nil {
		return "", err
	}
	segments := strings.Split(filePath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return d.publicBase + "/download/" + token + "/" + strings.Join(segments, "/"), nil
}

func (d *Downloads) handleDownload(w http.ResponseWriter, r *http.Request) {
	if d.proxy == nil {
		d.reject(w, r, "disabled", http.StatusNotFound, "downloads not configured", nil)
		return
	}

	token := chi.URLParam(r, "token")
	filePath := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(filePath)
		if err != nil {
			d.reject(w, r, "bad_path", http.StatusBadRequest, "invalid path", err)
			return
		}
		filePath = unescaped
	}
	if err := checkDownloadPath(filePath); err != nil {
		d.reject(w, r, "bad_path", http.StatusBadRequest, "invalid path", err)
		return
	}

	decoded, err := d.codec.Decode(token, filePath)
	if err != nil {
		status, msg := statusFor(err)
		d.reject(w, r, "malformed", status, msg, err)
		return
	}

	g, err := d.downstream.LookupGrant(r.Context(), decoded.GrantID)
	if errors.Is(err, ErrGrantNotFound) {
		d.reject(w, r, "forbidden", http.StatusForbidden, "forbidden", err)
		return
	}
	if err != nil {
		d.reject(w, r, "error", http.StatusInternalServerError, "internal error", err)
		return
	}
	if g.UserID != decoded.SubjectID {
		d.reject(w, r, "forbidden", http.StatusForbidden, "forbidden", ErrForbidden)
		return
	}
	setSubject(r.Context(), g.UserID)

	ctx := context.WithValue(r.Context(), downloadPathKey{}, filePath)
	d.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (d *Downloads) handleDownloadLink(w http.ResponseWriter, r *http.Request) {
	claims, _, err := d.downstream.Authenticate(r)
	if err != nil {
		status, msg := statusFor(err)
		if status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="`+d.publicBase+`/.well-known/oauth-protected-resource"`)
		}
		http.Error(w, msg, status)
		return
	}

	link, err := d.URL(claims.Subject, claims.GrantID, r.URL.Query().Get("path"))
	if err != nil {
		status, msg := statusFor(err)
		if errors.Is(err, grant.ErrInvalidSubject) || errors.Is(err, grant.ErrInvalidGrantID) {
			status, msg = http.StatusBadRequest, "cannot mint download link"
		}
		http.Error(w, msg, status)
		return
	}
	writeJSON(w, map[string]string{"url": link})
}

func (d *Downloads) reject(w http.ResponseWriter, r *http.Request, outcome string, status int, msg string, err error) {
	d.metrics.Download(outcome)
	if err != nil {
		d.logger.Warn("download rejected", "outcome", outcome, "error", err, "request_id", RequestIDFromContext(r.Context()))
	}
	http.Error(w, msg, status)
}

func checkDownloadPath(filePath string) error {
	if filePath == "" {
		return invalidRequest("missing path")
	}
	for _, segment := range strings.Split(filePath, "/") {
		if segment == ".." {
			return invalidRequest("path must not contain ..")
		}
	}
	return nil
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
