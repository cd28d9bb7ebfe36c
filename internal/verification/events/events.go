// Package events publishes verification lifecycle events for downstream consumers.
// Events carry wallet ids, scores and commitments only; external account data never
// leaves the adapters.
package events

import (
	"context"
	"time"

	"humanscore/internal/verification/models"
)

// Type names a lifecycle transition.
type Type string

const (
	TypeSessionStarted      Type = "session_started"
	TypeSessionCompleted    Type = "session_completed"
	TypeVerificationDeleted Type = "verification_deleted"
)

// Event is one lifecycle transition.
type Event struct {
	Type       Type                 `json:"type"`
	SessionID  string               `json:"sessionId,omitempty"`
	Provider   models.Provider      `json:"provider"`
	WalletID   string               `json:"walletId"`
	Status     models.SessionStatus `json:"status,omitempty"`
	Score      float64              `json:"score,omitempty"`
	MaxScore   float64              `json:"maxScore,omitempty"`
	Commitment string               `json:"commitment,omitempty"`
	Errors     []string             `json:"errors,omitempty"`
	RequestID  string               `json:"requestId,omitempty"`
	OccurredAt time.Time            `json:"occurredAt"`
}

// Key partitions events so one wallet's history stays ordered.
func (e Event) Key() string {
	return e.WalletID
}

// Publisher accepts events without blocking the caller on delivery.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Sink delivers a batch of events.
type Sink interface {
	Write(ctx context.Context, batch []Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
