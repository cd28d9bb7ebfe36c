// Package wallet holds what the signature-based adapters share: the sign-in
// challenge and a breaker-guarded call path for chain explorers.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"humanscore/internal/platform/metrics"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	dErrors "humanscore/pkg/domain-errors"
	"humanscore/pkg/platform/circuit"
	"humanscore/pkg/requestcontext"
)

const nonceBytes = 16

// NewNonce returns a random hex nonce.
func NewNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Message is the text a wallet signs to link itself to walletID.
func Message(chain, walletID, sessionID, nonce string, issuedAt time.Time) string {
	return fmt.Sprintf("humanscore wants you to sign in with your %s account.\n\n"+
		"Link to Aleo wallet: %s\n"+
		"Session: %s\n"+
		"Nonce: %s\n"+
		"Issued At: %s",
		chain, walletID, sessionID, nonce, issuedAt.UTC().Format(time.RFC3339))
}

// Challenge builds the authorization request for a signature flow and records the
// nonce and message in session state.
func Challenge(ctx context.Context, chain string, session *models.Session) (*providers.AuthorizationRequest, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	msg := Message(chain, session.WalletID, session.ID, nonce, requestcontext.Now(ctx))
	return &providers.AuthorizationRequest{
		Message: msg,
		StateData: map[string]any{
			models.StateKeyNonce:   nonce,
			models.StateKeyMessage: msg,
		},
	}, nil
}

// SignedMessage resolves the message the client signed. It must carry the session's
// nonce so a signature from another session cannot be replayed.
func SignedMessage(session *models.Session, proof models.Proof) (string, error) {
	nonce := session.StringState(models.StateKeyNonce)
	if nonce == "" {
		return "", dErrors.New(dErrors.CodeBadRequest, "session has no signing challenge, start verification again")
	}
	msg := proof.Message
	if msg == "" {
		msg = session.StringState(models.StateKeyMessage)
	}
	if !strings.Contains(msg, nonce) {
		return "", dErrors.New(dErrors.CodeBadRequest, "signed message does not contain the session nonce")
	}
	return msg, nil
}

// Explorer calls a chain explorer behind a circuit breaker. Failures are logged
// and swallowed: on-chain signals are optional, so the caller scores with zeros.
type Explorer struct {
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewExplorer(breaker *circuit.Breaker, logger *slog.Logger, m *metrics.Metrics) *Explorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Explorer{breaker: breaker, logger: logger, metrics: m}
}

// Do runs fn unless the breaker is open and reports whether it succeeded.
func (e *Explorer) Do(ctx context.Context, call string, fn func(context.Context) error) bool {
	if !e.breaker.Allow() {
		e.logger.DebugContext(ctx, "explorer circuit open, skipping", "breaker", e.breaker.Name(), "call", call)
		return false
	}
	if err := fn(ctx); err != nil {
		_, change := e.breaker.RecordFailure()
		if change.Opened {
			e.metrics.SetCircuitOpen(e.breaker.Name(), true)
			e.logger.WarnContext(ctx, "explorer circuit opened", "breaker", e.breaker.Name())
		}
		e.logger.WarnContext(ctx, "explorer call failed, scoring without it", "breaker", e.breaker.Name(), "call", call, "error", err)
		return false
	}
	if _, change := e.breaker.RecordSuccess(); change.Closed {
		e.metrics.SetCircuitOpen(e.breaker.Name(), false)
		e.logger.InfoContext(ctx, "explorer circuit closed", "breaker", e.breaker.Name())
	}
	return true
}
