package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally wrapped)
// and the session service translates them into domain errors.
//
// - ErrNotFound: entity does not exist in the store
// - ErrExpired: session is past its expiry
// - ErrInvalidState: entity is in the wrong state for the requested operation
// - ErrUnavailable: backing resource is temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrExpired      = errors.New("expired")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
