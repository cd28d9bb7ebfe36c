package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"humanscore/internal/commitment"
	"humanscore/internal/platform/config"
	"humanscore/internal/platform/upstream"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
)

func idToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-checked"))
	require.NoError(t, err)
	return signed
}

func newAdapter(t *testing.T, tokenBody map[string]any, userinfo map[string]any) *Adapter {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenBody)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer g-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(userinfo)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return New(Config{
		ClientID: "id", ClientSecret: "secret",
		TokenURL:    srv.URL + "/token",
		UserInfoURL: srv.URL + "/userinfo",
	}, providers.Deps{
		HTTP:      upstream.New(config.Upstream{Timeout: 2 * time.Second}),
		Committer: commitment.NewDeriver("pepper"),
	})
}

func session() *models.Session {
	return models.NewSession(models.ProviderGoogle, "aleo1w", time.Now(), 0)
}

func TestVerifyFromIDToken(t *testing.T) {
	a := newAdapter(t, map[string]any{
		"access_token": "g-token",
		"token_type":   "Bearer",
		"id_token": idToken(t, jwt.MapClaims{
			"sub": "10769150350006150715113082367", "email": "ada@example.org",
			"email_verified": true, "hd": "example.org", "name": "Ada",
		}),
	}, nil)

	out, err := a.Verify(context.Background(), session(), models.Proof{Code: "c"})
	require.NoError(t, err)
	require.True(t, out.Valid)
	assert.Equal(t, 10.0, out.Result.Score)
	assert.Equal(t, commitment.Derive(4, "10769150350006150715113082367", "pepper"), *out.Result.Commitment)
	assert.Equal(t, "Ada", out.Profile.DisplayName)
}

func TestVerifyFallsBackToUserInfo(t *testing.T) {
	a := newAdapter(t,
		map[string]any{"access_token": "g-token", "token_type": "Bearer"},
		map[string]any{"sub": "42", "email": "bob@gmail.com", "email_verified": true},
	)

	out, err := a.Verify(context.Background(), session(), models.Proof{Code: "c"})
	require.NoError(t, err)
	require.True(t, out.Valid)
	assert.Equal(t, 6.0, out.Result.Score)
	assert.Equal(t, "bob@gmail.com", out.Profile.DisplayName)
}

func TestVerifyRejectsUnverifiedEmail(t *testing.T) {
	a := newAdapter(t, map[string]any{
		"access_token": "g-token",
		"token_type":   "Bearer",
		"id_token":     idToken(t, jwt.MapClaims{"sub": "7", "email_verified": false}),
	}, nil)

	out, err := a.Verify(context.Background(), session(), models.Proof{Code: "c"})
	require.NoError(t, err)
	assert.False(t, out.Valid)
	assert.Equal(t, []string{"Google account email must be verified"}, out.Errors)
}

func TestVerifyMalformedIDToken(t *testing.T) {
	a := newAdapter(t, map[string]any{"access_token": "g-token", "token_type": "Bearer", "id_token": "garbage"}, nil)

	_, err := a.Verify(context.Background(), session(), models.Proof{Code: "c"})
	assert.Equal(t, providers.ErrorBadData, providers.GetCategory(err))
}
