package steam

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"humanscore/internal/commitment"
	"humanscore/internal/platform/config"
	"humanscore/internal/platform/upstream"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	dErrors "humanscore/pkg/domain-errors"
	"humanscore/pkg/requestcontext"
)

const steamID = "76561197960435530"

type SteamSuite struct {
	suite.Suite
	now        time.Time
	ctx        context.Context
	valid      bool
	visibility int
	created    time.Time
	adapter    *Adapter
	session    *models.Session
}

func TestSteamSuite(t *testing.T) {
	suite.Run(t, new(SteamSuite))
}

func (s *SteamSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.valid = true
	s.visibility = publicVisibility
	s.created = s.now.AddDate(-6, 0, 0)

	mux := http.NewServeMux()
	mux.HandleFunc("/openid/login", func(w http.ResponseWriter, r *http.Request) {
		s.Require().NoError(r.ParseForm())
		s.Equal("check_authentication", r.PostForm.Get("openid.mode"))
		s.Equal("sig", r.PostForm.Get("openid.sig"))
		if s.valid {
			_, _ = w.Write([]byte("ns:http://specs.openid.net/auth/2.0\nis_valid:true\n"))
			return
		}
		_, _ = w.Write([]byte("ns:http://specs.openid.net/auth/2.0\nis_valid:false\n"))
	})
	mux.HandleFunc("/ISteamUser/GetPlayerSummaries/v2/", func(w http.ResponseWriter, r *http.Request) {
		s.Equal("key", r.URL.Query().Get("key"))
		_ = json.NewEncoder(w).Encode(map[string]any{"response": map[string]any{"players": []map[string]any{{
			"steamid": steamID, "personaname": "gaben", "communityvisibilitystate": s.visibility,
			"timecreated": s.created.Unix(),
		}}}})
	})
	mux.HandleFunc("/IPlayerService/GetOwnedGames/v1/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response": map[string]int{"game_count": 25}})
	})
	mux.HandleFunc("/IPlayerService/GetSteamLevel/v1/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response": map[string]int{"player_level": 4}})
	})
	srv := httptest.NewServer(mux)
	s.T().Cleanup(srv.Close)

	s.adapter = New(Config{
		APIKey:     "key",
		OpenIDURL:  srv.URL + "/openid/login",
		APIBaseURL: srv.URL,
	}, providers.Deps{
		HTTP:      upstream.New(config.Upstream{Timeout: 2 * time.Second}),
		Committer: commitment.NewDeriver("pepper"),
		BaseURL:   "https://api.example.com",
	})
	s.session = models.NewSession(models.ProviderSteam, "aleo1w", s.now, 0)
}

func (s *SteamSuite) assertion() map[string]string {
	return map[string]string{
		"state":             s.session.ID,
		"openid.ns":         openIDNamespace,
		"openid.mode":       "id_res",
		"openid.return_to":  s.adapter.returnTo(s.session.ID),
		"openid.claimed_id": "https://steamcommunity.com/openid/id/" + steamID,
		"openid.identity":   "https://steamcommunity.com/openid/id/" + steamID,
		"openid.sig":        "sig",
	}
}

func (s *SteamSuite) TestAuthorizationRedirect() {
	req, err := s.adapter.BuildAuthorizationRequest(s.ctx, s.session)
	s.Require().NoError(err)
	u, err := url.Parse(req.RedirectURL)
	s.Require().NoError(err)
	s.Equal("checkid_setup", u.Query().Get("openid.mode"))
	s.Equal("https://api.example.com", u.Query().Get("openid.realm"))
	s.Contains(u.Query().Get("openid.return_to"), "state="+s.session.ID)
}

func (s *SteamSuite) TestVerifiedAssertionScores() {
	out, err := s.adapter.Verify(s.ctx, s.session, models.Proof{Params: s.assertion()})
	s.Require().NoError(err)
	s.Require().True(out.Valid)
	// age 8 + games 6 + level 3
	s.Equal(17.0, out.Result.Score)
	s.Equal(commitment.Derive(5, steamID, "pepper"), *out.Result.Commitment)
}

func (s *SteamSuite) TestRejectedAssertion() {
	s.valid = false
	_, err := s.adapter.Verify(s.ctx, s.session, models.Proof{Params: s.assertion()})
	s.Equal(providers.ErrorAuthentication, providers.GetCategory(err))
}

func (s *SteamSuite) TestAssertionForOtherSession() {
	params := s.assertion()
	params["openid.return_to"] = s.adapter.returnTo("steam_other")
	_, err := s.adapter.Verify(s.ctx, s.session, models.Proof{Params: params})
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func (s *SteamSuite) TestPrivateYoungProfileIsIneligible() {
	s.visibility = 1
	s.created = s.now.AddDate(0, 0, -3)
	out, err := s.adapter.Verify(s.ctx, s.session, models.Proof{Params: s.assertion()})
	s.Require().NoError(err)
	s.False(out.Valid)
	s.Len(out.Errors, 2)
}

func (s *SteamSuite) TestAssertionValid() {
	s.True(assertionValid("ns:x\nis_valid:true\n"))
	s.False(assertionValid("is_valid:false"))
	s.False(assertionValid(""))
}
