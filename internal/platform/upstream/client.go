// Package upstream is the single outbound HTTP path for provider APIs. It bounds every
// call with a timeout and retries rate-limited responses a fixed number of times.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-retryablehttp"

	"humanscore/internal/platform/config"
	"humanscore/internal/platform/metrics"
)

const (
	defaultTimeout  = 8 * time.Second
	defaultRetryMax = 3
	maxBodyBytes    = 4 << 20
	userAgent       = "humanscore/1.0"
)

// StatusError is a non-2xx response that was not retried, or a 429 left after the
// retry budget ran out.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// RateLimited reports whether the upstream was still throttling after retries.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// RetryPolicy bounds how rate-limited calls are retried.
type RetryPolicy struct {
	Max     int
	WaitMin time.Duration
	WaitMax time.Duration
}

// Client performs provider API calls.
type Client struct {
	rc      *retryablehttp.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithRetryPolicy overrides the retry bound and backoff window.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.rc.RetryMax = p.Max
		if p.WaitMin > 0 {
			c.rc.RetryWaitMin = p.WaitMin
		}
		if p.WaitMax > 0 {
			c.rc.RetryWaitMax = p.WaitMax
		}
	}
}

// New builds a Client from cfg.
func New(cfg config.Upstream, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retryMax := cfg.RetryMax
	if retryMax < 0 {
		retryMax = defaultRetryMax
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 30 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.CheckRetry = retryOnRateLimit
	rc.Backoff = rateLimitBackoff
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		rc:      rc,
		timeout: timeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	rc.Logger = c.logger.With("component", "upstream")
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			c.metrics.IncUpstreamRetry(req.URL.Host)
		}
	}
	return c
}

// StandardClient exposes the retrying transport as a plain *http.Client, for
// libraries such as oauth2 that take one. Each attempt keeps the per-attempt timeout;
// the overall bound covers every attempt plus the longest possible retry waits.
func (c *Client) StandardClient() *http.Client {
	return &http.Client{
		Transport: &retryablehttp.RoundTripper{Client: c.rc},
		Timeout:   c.Budget(),
	}
}

// Budget is the longest a single call can take: every attempt timing out plus the
// maximum wait before each retry.
func (c *Client) Budget() time.Duration {
	retries := time.Duration(c.rc.RetryMax)
	return c.timeout*(retries+1) + c.rc.RetryWaitMax*retries
}

// Timeout is the per-attempt bound applied to every call.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// GetJSON issues a GET and decodes a JSON response into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, header http.Header, out any) error {
	body, err := c.Get(ctx, rawURL, header)
	if err != nil {
		return err
	}
	return decode(rawURL, body, out)
}

// Get issues a GET and returns the raw body.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req, header)
}

// PostForm sends form-encoded values and returns the raw body.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, header http.Header) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, header)
}

// PostJSON sends payload as JSON and decodes the response into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload any, header http.Header, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req, header)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(rawURL, body, out)
}

func (c *Client) do(req *retryablehttp.Request, header http.Header) ([]byte, error) {
	ctx := req.Context()
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		req.Header.Set(middleware.RequestIDHeader, reqID)
	}

	resp, err := c.rc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, redact(req.URL), err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.DebugContext(ctx, "close upstream body", "error", cerr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", redact(req.URL), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     req.Method,
			URL:        redact(req.URL),
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 256),
		}
	}
	return body, nil
}

// retryOnRateLimit retries 429 responses only. Transport failures and every other
// status surface immediately.
func retryOnRateLimit(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return false, err
	}
	return resp != nil && resp.StatusCode == http.StatusTooManyRequests, nil
}

// rateLimitBackoff honours the provider's retry hint when present, otherwise backs
// off exponentially. The result is clamped to [min, max].
func rateLimitBackoff(minWait, maxWait time.Duration, attempt int, resp *http.Response) time.Duration {
	if wait, ok := retryHint(resp, time.Now()); ok {
		return clamp(wait, minWait, maxWait)
	}
	return retryablehttp.DefaultBackoff(minWait, maxWait, attempt, resp)
}

func retryHint(resp *http.Response, now time.Time) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return seconds(secs), true
		}
		if t, err := http.ParseTime(v); err == nil {
			return t.Sub(now), true
		}
	}
	// Discord reports a relative float in seconds.
	if v := resp.Header.Get("X-RateLimit-Reset-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return seconds(secs), true
		}
	}
	// Twitter reports an absolute epoch second.
	if v := resp.Header.Get("X-Rate-Limit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(epoch, 0).Sub(now), true
		}
	}
	return 0, false
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Ceil(s * float64(time.Second)))
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func decode(rawURL string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", hostOf(rawURL), err)
	}
	return nil
}

// redact drops the query so API keys and codes never reach logs or errors.
func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "upstream"
	}
	return u.Host
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
