package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"humanscore/internal/platform/upstream"
	dErrors "humanscore/pkg/domain-errors"
)

// ErrorCategory defines the normalized failure taxonomy for upstream calls.
type ErrorCategory string

const (
	// ErrorTimeout indicates the provider took too long to respond
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorBadData indicates the provider returned invalid/malformed data
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorAuthentication indicates a rejected code, token or API key
	ErrorAuthentication ErrorCategory = "authentication"

	// ErrorProviderOutage indicates the provider is unavailable
	ErrorProviderOutage ErrorCategory = "provider_outage"

	// ErrorNotFound indicates the requested account doesn't exist
	ErrorNotFound ErrorCategory = "not_found"

	// ErrorRateLimited indicates the provider was still throttling after retries
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorInternal indicates an unexpected internal error
	ErrorInternal ErrorCategory = "internal"
)

// ProviderError wraps upstream failures with normalized categorization.
type ProviderError struct {
	Category   ErrorCategory
	Provider   string
	Stage      Stage
	Message    string
	Underlying error
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("provider %s [%s] %s: %s: %v", e.Provider, e.Category, e.Stage, e.Message, e.Underlying)
	}
	return fmt.Sprintf("provider %s [%s] %s: %s", e.Provider, e.Category, e.Stage, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Underlying
}

// NewProviderError creates a normalized provider error. Retryable marks failures a
// user can fix by simply starting again later.
func NewProviderError(category ErrorCategory, provider string, stage Stage, message string, underlying error) *ProviderError {
	retryable := category == ErrorTimeout ||
		category == ErrorProviderOutage ||
		category == ErrorRateLimited

	return &ProviderError{
		Category:   category,
		Provider:   provider,
		Stage:      stage,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// IsRetryable checks if an error is worth retrying
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error
func GetCategory(err error) ErrorCategory {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ErrorInternal
}

// Classify turns a failed upstream call into a ProviderError. Errors that already
// carry a category or a domain code pass through unchanged.
func Classify(provider string, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}

	var se *upstream.StatusError
	switch {
	case errors.As(err, &se):
		switch {
		case se.RateLimited():
			return NewProviderError(ErrorRateLimited, provider, stage, provider+" is rate limiting requests, try again later", err)
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return NewProviderError(ErrorAuthentication, provider, stage, provider+" rejected the authorization", err)
		case se.StatusCode == http.StatusNotFound:
			return NewProviderError(ErrorNotFound, provider, stage, provider+" account not found", err)
		case se.StatusCode >= 500:
			return NewProviderError(ErrorProviderOutage, provider, stage, provider+" is unavailable", err)
		default:
			return NewProviderError(ErrorBadData, provider, stage, fmt.Sprintf("%s rejected the request (status %d)", provider, se.StatusCode), err)
		}
	case errors.Is(err, context.DeadlineExceeded):
		return NewProviderError(ErrorTimeout, provider, stage, provider+" did not respond in time", err)
	default:
		return NewProviderError(ErrorProviderOutage, provider, stage, "could not reach "+provider, err)
	}
}

// BadData reports an upstream response that did not have the expected shape.
func BadData(provider string, stage Stage, message string) error {
	return NewProviderError(ErrorBadData, provider, stage, message, nil)
}

// ToDomain maps any adapter error onto a domain error code and a message that is
// safe to show the user.
func ToDomain(err error) error {
	if err == nil {
		return nil
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Category == ErrorRateLimited {
			return dErrors.Wrap(err, dErrors.CodeUpstreamRateLimited, pe.Message)
		}
		return dErrors.Wrap(err, dErrors.CodeUpstream, pe.Message)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "verification failed")
}

// ErrNotConfigured marks a provider with missing credentials.
func ErrNotConfigured(provider string, missing string) error {
	return dErrors.Newf(dErrors.CodeConfiguration, "%s verification is not configured: %s is missing", provider, missing)
}
