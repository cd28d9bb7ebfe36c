// Package evm verifies control of an Ethereum-compatible wallet with a personal_sign
// signature and scores its on-chain history from Etherscan.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
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
	defaultEtherscanURL = "https://api.etherscan.io/api"
	chainName           = "Ethereum"
	maxTxPage           = 1000
)

var weiPerEther = new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000))

type Config struct {
	EtherscanAPIKey  string
	EtherscanBaseURL string
}

type Adapter struct {
	cfg      Config
	deps     providers.Deps
	explorer *wallet.Explorer
}

type Option func(*options)

type options struct {
	breaker *circuit.Breaker
}

// WithBreaker replaces the default Etherscan breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(o *options) {
		o.breaker = b
	}
}

func New(cfg Config, deps providers.Deps, opts ...Option) *Adapter {
	if cfg.EtherscanBaseURL == "" {
		cfg.EtherscanBaseURL = defaultEtherscanURL
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.breaker == nil {
		o.breaker = circuit.New("etherscan", circuit.WithFailureThreshold(3), circuit.WithCooldown(time.Minute))
	}
	return &Adapter{
		cfg:      cfg,
		deps:     deps,
		explorer: wallet.NewExplorer(o.breaker, deps.Log(models.ProviderEVM), deps.Metrics),
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderEVM
}

// Configured always succeeds: without an API key the wallet is scored on ownership alone.
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
	if !common.IsHexAddress(proof.Address) {
		return nil, dErrors.New(dErrors.CodeBadRequest, "address is not a valid EVM address")
	}
	claimed := common.HexToAddress(proof.Address)
	signer, err := RecoverSigner(msg, proof.Signature)
	if err != nil {
		return nil, err
	}
	if signer != claimed {
		return nil, dErrors.New(dErrors.CodeSignatureMismatch, "signature does not match the wallet address")
	}

	m := a.activity(ctx, signer)
	m.OwnershipProven = true
	score := scoring.EVM(m)

	address := strings.ToLower(signer.Hex())
	profile := &models.Profile{WalletID: session.WalletID, Provider: models.ProviderEVM, DisplayName: shorten(signer.Hex())}
	return providers.Succeed(a.deps.Committer, models.ProviderEVM, address, score, profile)
}

// RecoverSigner returns the address that produced an EIP-191 personal_sign signature
// over msg.
func RecoverSigner(msg, signature string) (common.Address, error) {
	signature = strings.TrimSpace(signature)
	if !strings.HasPrefix(signature, "0x") {
		signature = "0x" + signature
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, dErrors.New(dErrors.CodeBadRequest, "signature must be 65 hex-encoded bytes")
	}
	// Wallets emit v as 27/28; go-ethereum expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, dErrors.Wrap(err, dErrors.CodeSignatureMismatch, "signature could not be recovered")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// activity collects on-chain signals. Each lookup degrades to zero on failure.
func (a *Adapter) activity(ctx context.Context, addr common.Address) scoring.WalletMetrics {
	var m scoring.WalletMetrics
	if a.cfg.EtherscanAPIKey == "" {
		return m
	}
	now := requestcontext.Now(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.explorer.Do(gctx, "balance", func(ctx context.Context) error {
			bal, err := a.balance(ctx, addr)
			if err == nil {
				m.Balance = bal
			}
			return err
		})
		return nil
	})
	g.Go(func() error {
		a.explorer.Do(gctx, "txlist", func(ctx context.Context) error {
			count, first, err := a.transactions(ctx, addr)
			if err == nil {
				m.TxCount = count
				if !first.IsZero() {
					m.WalletAge = now.Sub(first)
				}
			}
			return err
		})
		return nil
	})
	_ = g.Wait()
	return m
}

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanTx struct {
	TimeStamp string `json:"timeStamp"`
}

func (a *Adapter) query(ctx context.Context, params url.Values) (json.RawMessage, error) {
	params.Set("apikey", a.cfg.EtherscanAPIKey)
	var resp etherscanResponse
	if err := a.deps.HTTP.GetJSON(ctx, a.cfg.EtherscanBaseURL+"?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "1" && !strings.HasPrefix(resp.Message, "No transactions") {
		return nil, fmt.Errorf("etherscan %s: %s", params.Get("action"), resp.Message)
	}
	return resp.Result, nil
}

func (a *Adapter) balance(ctx context.Context, addr common.Address) (float64, error) {
	raw, err := a.query(ctx, url.Values{
		"module": {"account"}, "action": {"balance"}, "address": {addr.Hex()}, "tag": {"latest"},
	})
	if err != nil {
		return 0, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	wei, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return 0, fmt.Errorf("balance %q is not an integer", s)
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEther).Float64()
	return eth, nil
}

// transactions returns the number of transactions (capped at one page) and the
// time of the earliest one.
func (a *Adapter) transactions(ctx context.Context, addr common.Address) (int, time.Time, error) {
	raw, err := a.query(ctx, url.Values{
		"module": {"account"}, "action": {"txlist"}, "address": {addr.Hex()},
		"startblock": {"0"}, "endblock": {"99999999"},
		"page": {"1"}, "offset": {strconv.Itoa(maxTxPage)}, "sort": {"asc"},
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	var txs []etherscanTx
	if err := json.Unmarshal(raw, &txs); err != nil {
		return 0, time.Time{}, fmt.Errorf("decode txlist: %w", err)
	}
	if len(txs) == 0 {
		return 0, time.Time{}, nil
	}
	ts, err := strconv.ParseInt(txs[0].TimeStamp, 10, 64)
	if err != nil {
		return len(txs), time.Time{}, nil
	}
	return len(txs), time.Unix(ts, 0), nil
}

func shorten(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
