package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"humanscore/pkg/platform/sentinel"
)

// SessionStatus is the verification session state.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusVerified SessionStatus = "verified"
	SessionStatusFailed   SessionStatus = "failed"
)

// Well-known StateData keys.
const (
	StateKeyCodeVerifier = "codeVerifier"
	StateKeyNonce        = "nonce"
	StateKeyMessage      = "message"
	StateKeyResult       = "result"
	StateKeyErrors       = "errors"
)

// DefaultSessionTTL bounds how long a verification attempt may stay pending.
const DefaultSessionTTL = 15 * time.Minute

// Session is one in-flight attempt to prove ownership of one external identity
// for one wallet.
type Session struct {
	ID        string         `json:"sessionId"`
	Provider  Provider       `json:"provider"`
	WalletID  string         `json:"walletId"`
	Status    SessionStatus  `json:"status"`
	StateData map[string]any `json:"stateData"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// NewSessionID returns a provider-prefixed unique id.
func NewSessionID(provider Provider) string {
	return fmt.Sprintf("%s_%s", provider, uuid.NewString())
}

// NewSession creates a pending session expiring ttl after now.
func NewSession(provider Provider, walletID string, now time.Time, ttl time.Duration) *Session {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Session{
		ID:        NewSessionID(provider),
		Provider:  provider,
		WalletID:  walletID,
		Status:    SessionStatusPending,
		StateData: map[string]any{},
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsTerminal reports whether the session left pending.
func (s *Session) IsTerminal() bool {
	return s.Status == SessionStatusVerified || s.Status == SessionStatusFailed
}

// StringState returns a string value from StateData, or "".
func (s *Session) StringState(key string) string {
	if s.StateData == nil {
		return ""
	}
	v, _ := s.StateData[key].(string)
	return v
}

// SetState writes a StateData value.
func (s *Session) SetState(key string, value any) {
	if s.StateData == nil {
		s.StateData = map[string]any{}
	}
	s.StateData[key] = value
}

// Complete moves a pending session to its terminal state and records the outcome.
func (s *Session) Complete(outcome *Outcome) error {
	if s.IsTerminal() {
		return fmt.Errorf("session %s already %s: %w", s.ID, s.Status, sentinel.ErrInvalidState)
	}
	if outcome.Valid {
		s.Status = SessionStatusVerified
		s.SetState(StateKeyResult, outcome.Result)
		delete(s.StateData, StateKeyErrors)
	} else {
		s.Status = SessionStatusFailed
		s.SetState(StateKeyErrors, outcome.Errors)
	}
	return nil
}

// Outcome reconstructs the stored outcome of a terminal session. StateData values may
// be typed structs (fresh) or generic JSON maps (reloaded), so both go through JSON.
func (s *Session) Outcome() (*Outcome, error) {
	out := &Outcome{Valid: s.Status == SessionStatusVerified}
	if raw, ok := s.StateData[StateKeyResult]; ok && raw != nil {
		var result Result
		if err := remarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode session result: %w", err)
		}
		out.Result = &result
	}
	if raw, ok := s.StateData[StateKeyErrors]; ok && raw != nil {
		if err := remarshal(raw, &out.Errors); err != nil {
			return nil, fmt.Errorf("decode session errors: %w", err)
		}
	}
	return out, nil
}

// Clone returns a deep copy normalized through JSON, which is what every backend
// hands back after a round trip.
func (s *Session) Clone() (*Session, error) {
	var c Session
	if err := remarshal(s, &c); err != nil {
		return nil, err
	}
	if c.StateData == nil {
		c.StateData = map[string]any{}
	}
	return &c, nil
}

func remarshal(in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
