// Package handler exposes verification sessions over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers/oauth"
	"humanscore/internal/verification/service"
	dErrors "humanscore/pkg/domain-errors"
	"humanscore/pkg/platform/httputil"
	"humanscore/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service,HealthChecker

// Service is the verification workflow the handler drives.
type Service interface {
	Start(ctx context.Context, provider models.Provider, walletID string) (*service.StartResult, error)
	CompleteCallback(ctx context.Context, provider models.Provider, sessionID string, proof models.Proof) (*models.Outcome, error)
	Status(ctx context.Context, sessionID string) (*service.StatusResult, error)
	Verifications(ctx context.Context, walletID string) ([]models.Result, error)
	DeleteVerification(ctx context.Context, walletID string, provider models.Provider) error
}

// HealthChecker reports on the storage backend.
type HealthChecker interface {
	Backend() string
	Ping(ctx context.Context) error
}

// Handler serves the /api/v1 verification routes and /health.
type Handler struct {
	service     Service
	health      HealthChecker
	logger      *slog.Logger
	frontendURL string
}

// New creates a Handler. frontendURL receives callback redirects when the page was
// not opened as a popup.
func New(svc Service, health HealthChecker, logger *slog.Logger, frontendURL string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:     svc,
		health:      health,
		logger:      logger,
		frontendURL: strings.TrimRight(frontendURL, "/"),
	}
}

// Register mounts the routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/verify/{provider}", func(r chi.Router) {
			r.Get("/start", h.handleStart)
			r.Get("/callback", h.handleCallbackPage)
			r.Post("/callback", h.handleCallback)
			r.Get("/status/{sessionID}", h.handleStatus)
		})
		r.Get("/verifications/{walletID}", h.handleListVerifications)
		r.Delete("/verifications/{walletID}/{provider}", h.handleDeleteVerification)
	})
}

func (h *Handler) provider(r *http.Request) (models.Provider, error) {
	p, err := models.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeBadRequest, "unsupported provider")
	}
	return p, nil
}

// handleStart opens a session. Redirect providers answer with a 302 unless the
// caller asks for format=json; every other provider gets the JSON descriptor.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider, err := h.provider(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	res, err := h.service.Start(ctx, provider, r.URL.Query().Get("walletId"))
	if err != nil {
		h.logFailure(ctx, "start verification", provider, err)
		httputil.WriteError(w, err)
		return
	}

	if res.Kind == models.FlowRedirect && res.RedirectURL != "" && r.URL.Query().Get("format") != "json" {
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// handleCallbackPage completes browser-based flows and renders the popup page.
func (h *Handler) handleCallbackPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider, err := h.provider(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	q := r.URL.Query()
	sessionID, proof := proofFromValues(q)
	page := callbackPage{Provider: provider, SessionID: sessionID}

	if denied := q.Get("error"); denied != "" {
		h.logger.InfoContext(ctx, "provider authorization denied",
			"provider", provider, "error", denied, "request_id", requestcontext.RequestID(ctx))
		page.Errors = []string{deniedMessage(q.Get("error_description"))}
		h.renderPage(w, r, http.StatusOK, page)
		return
	}

	outcome, err := h.service.CompleteCallback(ctx, provider, sessionID, proof)
	if err != nil {
		h.logFailure(ctx, "complete callback", provider, err)
		page.Errors = []string{publicMessage(err)}
		h.renderPage(w, r, httputil.StatusFor(dErrors.CodeOf(err)), page)
		return
	}
	page.Success = outcome.Valid
	page.Result = outcome.Result
	page.Errors = outcome.Errors
	h.renderPage(w, r, http.StatusOK, page)
}

const maxCallbackBody = 64 << 10

type callbackRequest struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Code      string `json:"code"`
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
}

type callbackResponse struct {
	Success bool           `json:"success"`
	Result  *models.Result `json:"result,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
}

// handleCallback completes a session from a JSON body, a form, or the query string.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider, err := h.provider(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	sessionID, proof, err := proofFromRequest(w, r)
	if err != nil {
		h.logger.WarnContext(ctx, "invalid callback request",
			"provider", provider, "error", err, "request_id", requestcontext.RequestID(ctx))
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	outcome, err := h.service.CompleteCallback(ctx, provider, sessionID, proof)
	if err != nil {
		h.logFailure(ctx, "complete callback", provider, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, callbackResponse{
		Success: outcome.Valid,
		Result:  outcome.Result,
		Errors:  outcome.Errors,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider, err := h.provider(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.service.Status(ctx, chi.URLParam(r, "sessionID"))
	if err == nil && res.Provider != provider {
		err = dErrors.New(dErrors.CodeSessionNotFound, "session not found or expired")
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListVerifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	results, err := h.service.Verifications(ctx, chi.URLParam(r, "walletID"))
	if err != nil {
		h.logFailure(ctx, "list verifications", "", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"verifications": results})
}

func (h *Handler) handleDeleteVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider, err := h.provider(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.service.DeleteVerification(ctx, chi.URLParam(r, "walletID"), provider); err != nil {
		h.logFailure(ctx, "delete verification", provider, err)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"time":   requestcontext.Now(r.Context()).Format(time.RFC3339),
	}
	if h.health == nil {
		httputil.WriteJSON(w, http.StatusOK, body)
		return
	}
	body["storage"] = h.health.Backend()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.health.Ping(ctx); err != nil {
		h.logger.WarnContext(ctx, "storage health check failed", "backend", h.health.Backend(), "error", err)
		body["status"] = "degraded"
		httputil.WriteJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

// logFailure logs client mistakes at info and everything else at error.
func (h *Handler) logFailure(ctx context.Context, op string, provider models.Provider, err error) {
	attrs := []any{"op", op, "error", err, "request_id", requestcontext.RequestID(ctx)}
	if provider != "" {
		attrs = append(attrs, "provider", provider)
	}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal, dErrors.CodeUpstream:
		h.logger.ErrorContext(ctx, "request failed", attrs...)
	default:
		h.logger.InfoContext(ctx, "request rejected", attrs...)
	}
}

// proofFromValues builds a Proof from query or form values. Every value is also kept
// in Params for flows that verify the raw fields.
func proofFromValues(v map[string][]string) (string, models.Proof) {
	get := func(k string) string {
		if vs := v[k]; len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
		return ""
	}
	params := make(map[string]string, len(v))
	for k, vs := range v {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	proof := models.Proof{
		Code:      get("code"),
		State:     get("state"),
		Address:   get("address"),
		Signature: get("signature"),
		Message:   get("message"),
		Params:    params,
	}
	sessionID := get("sessionId")
	if proof.State != "" {
		sessionID, proof.CodeVerifier = oauth.ParseState(proof.State)
	}
	return sessionID, proof
}

func proofFromRequest(w http.ResponseWriter, r *http.Request) (string, models.Proof, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" {
		if err := r.ParseForm(); err != nil {
			return "", models.Proof{}, err
		}
		sessionID, proof := proofFromValues(r.Form)
		return sessionID, proof, nil
	}

	var req callbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBody)).Decode(&req); err != nil {
		return "", models.Proof{}, err
	}
	proof := models.Proof{
		Code:      strings.TrimSpace(req.Code),
		State:     strings.TrimSpace(req.State),
		Address:   strings.TrimSpace(req.Address),
		Signature: strings.TrimSpace(req.Signature),
		Message:   req.Message,
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if proof.State != "" {
		sessionID, proof.CodeVerifier = oauth.ParseState(proof.State)
	}
	return sessionID, proof, nil
}

func deniedMessage(description string) string {
	if description = strings.TrimSpace(description); description != "" {
		return "Authorization was denied: " + description
	}
	return "Authorization was denied"
}

// publicMessage hides internal error detail from the callback page.
func publicMessage(err error) string {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		return "verification failed"
	}
	return dErrors.MessageOf(err)
}
