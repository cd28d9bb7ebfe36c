package twitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"humanscore/internal/commitment"
	"humanscore/internal/platform/config"
	"humanscore/internal/platform/upstream"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	"humanscore/internal/verification/providers/oauth"
	"humanscore/pkg/requestcontext"
)

type fixture struct {
	adapter     *Adapter
	meCalls     atomic.Int32
	throttleFor int32
	user        map[string]any
}

func newFixture(t *testing.T, throttleFor int32, user map[string]any) *fixture {
	t.Helper()
	f := &fixture{throttleFor: throttleFor, user: user}
	mux := http.NewServeMux()
	mux.HandleFunc("/2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "id", id)
		assert.Equal(t, "secret", secret)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "verifier-from-state", r.PostForm.Get("code_verifier"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tw","token_type":"bearer"}`))
	})
	mux.HandleFunc("/2/users/me", func(w http.ResponseWriter, r *http.Request) {
		if f.meCalls.Add(1) <= f.throttleFor {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": f.user})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := upstream.New(config.Upstream{Timeout: 2 * time.Second},
		upstream.WithRetryPolicy(upstream.RetryPolicy{Max: 3, WaitMin: time.Millisecond, WaitMax: 5 * time.Millisecond}))
	f.adapter = New(Config{
		ClientID: "id", ClientSecret: "secret",
		TokenURL:   srv.URL + "/2/oauth2/token",
		APIBaseURL: srv.URL + "/2",
	}, providers.Deps{HTTP: client, Committer: commitment.NewDeriver("pepper")})
	return f
}

func TestVerifyRetriesRateLimitedProfile(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), now)
	f := newFixture(t, 2, map[string]any{
		"id": "12", "username": "jack", "created_at": now.AddDate(-5, 0, 0).Format(time.RFC3339),
		"verified": true, "public_metrics": map[string]int{"followers_count": 600, "tweet_count": 50},
	})
	sess := models.NewSession(models.ProviderTwitter, "aleo1w", now, 0)

	out, err := f.adapter.Verify(ctx, sess, models.Proof{Code: "c", State: oauth.State(sess.ID, "verifier-from-state")})
	require.NoError(t, err)
	require.True(t, out.Valid)
	assert.Equal(t, 25.0, out.Result.Score)
	assert.EqualValues(t, 3, f.meCalls.Load())
}

func TestVerifyRateLimitExhausted(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, 100, nil)
	sess := models.NewSession(models.ProviderTwitter, "aleo1w", now, 0)

	_, err := f.adapter.Verify(context.Background(), sess, models.Proof{Code: "c", State: oauth.State(sess.ID, "verifier-from-state")})
	assert.Equal(t, providers.ErrorRateLimited, providers.GetCategory(err))
	assert.EqualValues(t, 4, f.meCalls.Load())
}

func TestVerifyGates(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), now)
	f := newFixture(t, 0, map[string]any{
		"id": "13", "username": "newbie", "created_at": now.AddDate(0, 0, -30).Format(time.RFC3339),
		"public_metrics": map[string]int{"followers_count": 3},
	})
	sess := models.NewSession(models.ProviderTwitter, "aleo1w", now, 0)
	sess.SetState(models.StateKeyCodeVerifier, "verifier-from-state")

	out, err := f.adapter.Verify(ctx, sess, models.Proof{Code: "c"})
	require.NoError(t, err)
	assert.False(t, out.Valid)
	assert.Len(t, out.Errors, 2)
}
