package testutil

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestBuilders(t *testing.T) {
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"contentType": r.Header.Get("Content-Type"),
			"address":     r.PostForm.Get("address"),
		})
	})

	rr := Serve(echo, FormRequest(http.MethodPost, "/cb", url.Values{"address": {"0xabc"}}))
	body := DecodeJSON[map[string]string](t, rr)
	assert.Equal(t, "0xabc", body["address"])

	rr = Serve(echo, JSONRequest(t, http.MethodPost, "/cb", map[string]string{"address": "0xabc"}))
	body = DecodeJSON[map[string]string](t, rr)
	assert.Equal(t, "application/json", body["contentType"])
}

func TestAssertError(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"conflict","error_description":"verification already in progress"}`))
	})
	AssertError(t, Serve(h, JSONRequest(t, http.MethodGet, "/", nil)), http.StatusConflict, "conflict")
}
