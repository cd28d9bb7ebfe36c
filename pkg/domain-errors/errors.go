// Package domainerrors carries coded errors from services to transport.
//
// Services return *Error values (optionally wrapping an infrastructure cause) and the
// HTTP layer maps the code to a status without inspecting messages.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a failure for callers.
type Code string

const (
	CodeBadRequest          Code = "bad_request"
	CodeNotFound            Code = "not_found"
	CodeConflict            Code = "conflict"
	CodeInternal            Code = "internal_error"
	CodeConfiguration       Code = "configuration_error"
	CodeSessionNotFound     Code = "session_not_found"
	CodeUpstreamRateLimited Code = "upstream_rate_limited"
	CodeUpstream            Code = "upstream_error"
	CodeEligibility         Code = "eligibility_failure"
	CodeSignatureMismatch   Code = "signature_mismatch"
)

// Error is a coded domain error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether any coded error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf returns the outermost coded message, or "" for uncoded errors.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return ""
}
