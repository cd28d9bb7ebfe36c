// Package httputil renders JSON bodies and coded errors for HTTP handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "humanscore/pkg/domain-errors"
)

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a coded error onto a status and JSON envelope. Internal errors never
// expose their description.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	body := errorBody{Error: string(code)}
	if code != dErrors.CodeInternal {
		body.Description = dErrors.MessageOf(err)
	}
	WriteJSON(w, StatusFor(code), body)
}

// StatusFor returns the HTTP status for a domain error code.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeSignatureMismatch:
		return http.StatusBadRequest
	case dErrors.CodeNotFound, dErrors.CodeSessionNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeEligibility:
		return http.StatusUnprocessableEntity
	case dErrors.CodeConfiguration:
		return http.StatusServiceUnavailable
	case dErrors.CodeUpstream, dErrors.CodeUpstreamRateLimited:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
