package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
)

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 3rem auto; max-width: 520px; color: #1d1d1f; }
h1 { font-size: 1.5rem; margin-bottom: 1rem; }
.card { border: 1px solid #d0d0d5; border-radius: 8px; padding: 1.25rem 1.5rem; }
ul { padding-left: 1.2rem; }
code { background: #f5f5f5; padding: 0.1rem 0.3rem; border-radius: 4px; }
button { padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; }
small { color: #555; }
</style>
</head>
<body>
<div class="card">
<h1>{{.ClientName}} wants to access your notes</h1>
<p>After approval you will sign in with your organization account and be sent back to <code>{{.RedirectHost}}</code>.</p>
{{if .Scopes}}
<p>Requested access:</p>
<ul>
{{range .Scopes}}<li><code>{{.}}</code></li>
{{end}}
</ul>
{{end}}
<form method="post" action="/authorize">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<button type="submit">Approve</button>
</form>
<p><small>Client id <code>{{.ClientID}}</code></small></p>
</div>
</body>
</html>
`))

type consentView struct {
	ClientID     string
	ClientName   string
	RedirectHost string
	Scopes       []string
	State        string
	CSRFToken    string
}

// encodeConsentState serializes the downstream request into the hidden form
// field the consent page posts back.
func encodeConsentState(req AuthorizationRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

func decodeConsentState(raw string) (AuthorizationRequest, error) {
	if raw == "" {
		return AuthorizationRequest{}, invalidRequest("missing state")
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return AuthorizationRequest{}, invalidRequest("invalid state")
	}
	var req AuthorizationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return AuthorizationRequest{}, invalidRequest("invalid state")
	}
	if req.ClientID == "" {
		return AuthorizationRequest{}, invalidRequest("missing client_id")
	}
	return req, nil
}

func renderConsent(w http.ResponseWriter, view consentView) error {
	var buf bytes.Buffer
	if err := consentTemplate.Execute(&buf, view); err != nil {
		return err
	}
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")
	_, err := w.Write(buf.Bytes())
	return err
}

func redirectHost(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return u.Host
}
