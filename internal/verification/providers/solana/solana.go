// Package solana verifies control of a Solana wallet with an ed25519 message
// signature and scores its activity through JSON-RPC.
package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/sync/errgroup"

	"humanscore/internal/scoring"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	"humanscore/internal/verification/providers/wallet"
	dErrors "humanscore/pkg/domain-errors"
	"humanscore/pkg/platform/circuit"
	"humanscore/pkg/requestcontext"
)

const (
	defaultRPCURL    = "https://api.mainnet-beta.solana.com"
	chainName        = "Solana"
	lamportsPerSOL   = 1_000_000_000
	signaturesPerRPC = 1000
)

type Config struct {
	RPCURL string
}

type Adapter struct {
	cfg      Config
	deps     providers.Deps
	explorer *wallet.Explorer
	rpcID    atomic.Int64
}

type Option func(*options)

type options struct {
	breaker *circuit.Breaker
}

// WithBreaker replaces the default RPC breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(o *options) {
		o.breaker = b
	}
}

func New(cfg Config, deps providers.Deps, opts ...Option) *Adapter {
	if cfg.RPCURL == "" {
		cfg.RPCURL = defaultRPCURL
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.breaker == nil {
		o.breaker = circuit.New("solana-rpc", circuit.WithFailureThreshold(3), circuit.WithCooldown(time.Minute))
	}
	return &Adapter{
		cfg:      cfg,
		deps:     deps,
		explorer: wallet.NewExplorer(o.breaker, deps.Log(models.ProviderSolana), deps.Metrics),
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderSolana
}

// Configured always succeeds; the public RPC endpoint is used by default.
func (a *Adapter) Configured() error {
	return nil
}

func (a *Adapter) BuildAuthorizationRequest(ctx context.Context, session *models.Session) (*providers.AuthorizationRequest, error) {
	return wallet.Challenge(ctx, chainName, session)
}

func (a *Adapter) Verify(ctx context.Context, session *models.Session, proof models.Proof) (*models.Outcome, error) {
	msg, err := wallet.SignedMessage(session, proof)
	if err != nil {
		return nil, err
	}
	pub, err := PublicKey(proof.Address)
	if err != nil {
		return nil, err
	}
	sig, err := decodeSignature(proof.Signature)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(pub, []byte(msg), sig) {
		return nil, dErrors.New(dErrors.CodeSignatureMismatch, "signature does not match the wallet address")
	}

	address := base58.Encode(pub)
	m := a.activity(ctx, address)
	m.OwnershipProven = true
	score := scoring.Solana(m)

	profile := &models.Profile{WalletID: session.WalletID, Provider: models.ProviderSolana, DisplayName: address[:4] + "…" + address[len(address)-4:]}
	return providers.Succeed(a.deps.Committer, models.ProviderSolana, address, score, profile)
}

// PublicKey decodes a base58 Solana address.
func PublicKey(address string) (ed25519.PublicKey, error) {
	b, err := base58.Decode(strings.TrimSpace(address))
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, dErrors.New(dErrors.CodeBadRequest, "address is not a valid Solana public key")
	}
	return ed25519.PublicKey(b), nil
}

// decodeSignature accepts base58 (the wallet-adapter convention) or hex.
func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base58.Decode(s); err == nil && len(b) == ed25519.SignatureSize {
		return b, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil && len(b) == ed25519.SignatureSize {
		return b, nil
	}
	return nil, dErrors.New(dErrors.CodeBadRequest, "signature must be a 64-byte base58 or hex string")
}

func (a *Adapter) activity(ctx context.Context, address string) scoring.WalletMetrics {
	var m scoring.WalletMetrics
	now := requestcontext.Now(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.explorer.Do(gctx, "getBalance", func(ctx context.Context) error {
			var res struct {
				Value uint64 `json:"value"`
			}
			if err := a.call(ctx, "getBalance", []any{address}, &res); err != nil {
				return err
			}
			m.Balance = float64(res.Value) / lamportsPerSOL
			return nil
		})
		return nil
	})
	g.Go(func() error {
		a.explorer.Do(gctx, "getSignaturesForAddress", func(ctx context.Context) error {
			var sigs []struct {
				Signature string `json:"signature"`
				BlockTime *int64 `json:"blockTime"`
			}
			params := []any{address, map[string]int{"limit": signaturesPerRPC}}
			if err := a.call(ctx, "getSignaturesForAddress", params, &sigs); err != nil {
				return err
			}
			m.TxCount = len(sigs)
			// Newest first; the last entry with a block time is the oldest seen.
			for i := len(sigs) - 1; i >= 0; i-- {
				if sigs[i].BlockTime != nil {
					m.WalletAge = now.Sub(time.Unix(*sigs[i].BlockTime, 0))
					break
				}
			}
			return nil
		})
		return nil
	})
	_ = g.Wait()
	return m
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse decodes result into the caller's value, which Result points at.
type rpcResponse struct {
	Result any `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) call(ctx context.Context, method string, params []any, out any) error {
	req := rpcRequest{JSONRPC: "2.0", ID: a.rpcID.Add(1), Method: method, Params: params}
	resp := rpcResponse{Result: out}
	if err := a.deps.HTTP.PostJSON(ctx, a.cfg.RPCURL, req, nil, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("solana rpc %s: %d %s", method, resp.Error.Code, resp.Error.Message)
	}
	return nil
}
