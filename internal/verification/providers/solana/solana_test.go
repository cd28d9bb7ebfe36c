package solana

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"humanscore/internal/commitment"
	"humanscore/internal/platform/config"
	"humanscore/internal/platform/upstream"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	dErrors "humanscore/pkg/domain-errors"
	"humanscore/pkg/requestcontext"
)

type rpcServer struct {
	calls   atomic.Int32
	failing bool
	now     time.Time
}

func (s *rpcServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.failing {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32005, "message": "node is behind"}})
		return
	}
	var result any
	switch req.Method {
	case "getBalance":
		result = map[string]any{"context": map[string]int{"slot": 1}, "value": 2_500_000_000}
	case "getSignaturesForAddress":
		sigs := make([]map[string]any, 150)
		for i := range sigs {
			sigs[i] = map[string]any{"signature": "sig", "blockTime": s.now.AddDate(0, 0, -i*2).Unix()}
		}
		result = sigs
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func setup(t *testing.T, failing bool) (*Adapter, *rpcServer, *models.Session, string, time.Time) {
	t.Helper()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rpc := &rpcServer{failing: failing, now: now}
	srv := httptest.NewServer(rpc)
	t.Cleanup(srv.Close)

	a := New(Config{RPCURL: srv.URL}, providers.Deps{
		HTTP:      upstream.New(config.Upstream{Timeout: 2 * time.Second}),
		Committer: commitment.NewDeriver("pepper"),
	})
	ctx := requestcontext.WithTime(context.Background(), now)
	sess := models.NewSession(models.ProviderSolana, "aleo1wallet", now, 0)
	req, err := a.BuildAuthorizationRequest(ctx, sess)
	require.NoError(t, err)
	for k, v := range req.StateData {
		sess.SetState(k, v)
	}
	return a, rpc, sess, req.Message, now
}

func TestVerifyValidSignature(t *testing.T) {
	a, rpc, sess, msg, now := setup(t, false)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	address := base58.Encode(pub)

	out, err := a.Verify(requestcontext.WithTime(context.Background(), now), sess, models.Proof{
		Address:   address,
		Signature: base58.Encode(ed25519.Sign(priv, []byte(msg))),
		Message:   msg,
	})
	require.NoError(t, err)
	require.True(t, out.Valid)
	// ownership 10 + balance 10 + txs 10 + age (298 days) 2
	assert.Equal(t, 32.0, out.Result.Score)
	assert.Equal(t, 35.0, out.Result.MaxScore)
	assert.Equal(t, commitment.Derive(9, address, "pepper"), *out.Result.Commitment)
	assert.EqualValues(t, 2, rpc.calls.Load())
}

func TestVerifyRPCErrorDegrades(t *testing.T) {
	a, _, sess, msg, now := setup(t, true)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	out, err := a.Verify(requestcontext.WithTime(context.Background(), now), sess, models.Proof{
		Address:   base58.Encode(pub),
		Signature: base58.Encode(ed25519.Sign(priv, []byte(msg))),
	})
	require.NoError(t, err)
	assert.Equal(t, 10.0, out.Result.Score)
}

func TestVerifyWrongKey(t *testing.T) {
	a, rpc, sess, msg, _ := setup(t, false)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = a.Verify(context.Background(), sess, models.Proof{
		Address:   base58.Encode(pub),
		Signature: base58.Encode(ed25519.Sign(other, []byte(msg))),
	})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeSignatureMismatch))
	assert.EqualValues(t, 0, rpc.calls.Load())
}

func TestDecodeSignature(t *testing.T) {
	raw := make([]byte, ed25519.SignatureSize)
	raw[0] = 7

	got, err := decodeSignature(base58.Encode(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = decodeSignature("0x0700")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))

	_, err = PublicKey("not-base58-0OIl")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
}
