package handler

import (
	"html/template"
	"net/http"
	"net/url"

	"humanscore/internal/verification/models"
	"humanscore/pkg/requestcontext"
)

// MessageType tags the postMessage payload so the opener can filter it.
const MessageType = "humanscore:verification"

var callbackTemplate = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Verification {{if .Payload.Success}}complete{{else}}failed{{end}}</title>
</head>
<body>
<p>{{if .Payload.Success}}Verification complete. You can close this window.{{else}}Verification failed.{{range .Payload.Errors}} {{.}}{{end}}{{end}}</p>
<script>
(function () {
  var payload = {{.Payload}};
  if (window.opener) {
    window.opener.postMessage(payload, {{.TargetOrigin}});
    window.close();
  } else {
    window.location.replace({{.RedirectURL}});
  }
})();
</script>
</body>
</html>
`))

type callbackPage struct {
	Provider  models.Provider
	SessionID string
	Success   bool
	Result    *models.Result
	Errors    []string
}

type pagePayload struct {
	Type      string          `json:"type"`
	Provider  models.Provider `json:"provider"`
	SessionID string          `json:"sessionId,omitempty"`
	Success   bool            `json:"success"`
	Result    *models.Result  `json:"result,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
}

type pageData struct {
	Payload      pagePayload
	TargetOrigin string
	RedirectURL  string
}

func (h *Handler) renderPage(w http.ResponseWriter, r *http.Request, status int, page callbackPage) {
	data := pageData{
		Payload: pagePayload{
			Type:      MessageType,
			Provider:  page.Provider,
			SessionID: page.SessionID,
			Success:   page.Success,
			Result:    page.Result,
			Errors:    page.Errors,
		},
		TargetOrigin: h.targetOrigin(),
		RedirectURL:  h.frontendRedirect(page),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := callbackTemplate.Execute(w, data); err != nil {
		ctx := r.Context()
		h.logger.ErrorContext(ctx, "render callback page", "error", err, "request_id", requestcontext.RequestID(ctx))
	}
}

func (h *Handler) targetOrigin() string {
	u, err := url.Parse(h.frontendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "*"
	}
	return u.Scheme + "://" + u.Host
}

func (h *Handler) frontendRedirect(page callbackPage) string {
	status := string(models.SessionStatusFailed)
	if page.Success {
		status = string(models.SessionStatusVerified)
	}
	q := url.Values{}
	q.Set("provider", string(page.Provider))
	q.Set("status", status)
	if page.SessionID != "" {
		q.Set("sessionId", page.SessionID)
	}
	return h.frontendURL + "/verify/callback?" + q.Encode()
}
