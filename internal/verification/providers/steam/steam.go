// Package steam verifies Steam accounts. Ownership is proven with Steam's OpenID 2.0
// sign-in, and the Web API supplies the profile signals.
package steam

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"humanscore/internal/scoring"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	dErrors "humanscore/pkg/domain-errors"
	"humanscore/pkg/requestcontext"
)

const (
	defaultOpenIDURL = "https://steamcommunity.com/openid/login"
	defaultAPIBase   = "https://api.steampowered.com"

	openIDNamespace      = "http://specs.openid.net/auth/2.0"
	openIDIdentifierSelf = "http://specs.openid.net/auth/2.0/identifier_select"

	publicVisibility  = 3
	minAccountAgeDays = 30
)

var claimedIDPattern = regexp.MustCompile(`^https?://steamcommunity\.com/openid/id/(\d{17})$`)

type Config struct {
	APIKey     string
	OpenIDURL  string
	APIBaseURL string
}

type Adapter struct {
	cfg  Config
	deps providers.Deps
}

func New(cfg Config, deps providers.Deps) *Adapter {
	if cfg.OpenIDURL == "" {
		cfg.OpenIDURL = defaultOpenIDURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return &Adapter{cfg: cfg, deps: deps}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderSteam
}

func (a *Adapter) Configured() error {
	if a.cfg.APIKey == "" {
		return providers.ErrNotConfigured("steam", "STEAM_API_KEY")
	}
	return nil
}

func (a *Adapter) returnTo(sessionID string) string {
	return a.deps.CallbackURL(models.ProviderSteam) + "?" + url.Values{"state": {sessionID}}.Encode()
}

func (a *Adapter) BuildAuthorizationRequest(_ context.Context, session *models.Session) (*providers.AuthorizationRequest, error) {
	q := url.Values{
		"openid.ns":         {openIDNamespace},
		"openid.mode":       {"checkid_setup"},
		"openid.return_to":  {a.returnTo(session.ID)},
		"openid.realm":      {strings.TrimRight(a.deps.BaseURL, "/")},
		"openid.identity":   {openIDIdentifierSelf},
		"openid.claimed_id": {openIDIdentifierSelf},
	}
	return &providers.AuthorizationRequest{RedirectURL: a.cfg.OpenIDURL + "?" + q.Encode()}, nil
}

type playerSummaries struct {
	Response struct {
		Players []struct {
			SteamID                  string `json:"steamid"`
			PersonaName              string `json:"personaname"`
			AvatarFull               string `json:"avatarfull"`
			CommunityVisibilityState int    `json:"communityvisibilitystate"`
			TimeCreated              int64  `json:"timecreated"`
		} `json:"players"`
	} `json:"response"`
}

type ownedGames struct {
	Response struct {
		GameCount int `json:"game_count"`
	} `json:"response"`
}

type steamLevel struct {
	Response struct {
		PlayerLevel int `json:"player_level"`
	} `json:"response"`
}

func (a *Adapter) Verify(ctx context.Context, session *models.Session, proof models.Proof) (*models.Outcome, error) {
	steamID, err := a.authenticate(ctx, session, proof.Params)
	if err != nil {
		return nil, err
	}

	var summaries playerSummaries
	q := url.Values{"key": {a.cfg.APIKey}, "steamids": {steamID}}
	if err := a.deps.HTTP.GetJSON(ctx, a.cfg.APIBaseURL+"/ISteamUser/GetPlayerSummaries/v2/?"+q.Encode(), nil, &summaries); err != nil {
		return nil, providers.Classify("steam", providers.StageFetchingProfile, err)
	}
	if len(summaries.Response.Players) == 0 {
		return nil, providers.NewProviderError(providers.ErrorNotFound, "steam", providers.StageFetchingProfile, "steam account not found", nil)
	}
	player := summaries.Response.Players[0]

	var games ownedGames
	var level steamLevel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q := url.Values{"key": {a.cfg.APIKey}, "steamid": {steamID}, "include_played_free_games": {"1"}}
		return a.deps.HTTP.GetJSON(gctx, a.cfg.APIBaseURL+"/IPlayerService/GetOwnedGames/v1/?"+q.Encode(), nil, &games)
	})
	g.Go(func() error {
		q := url.Values{"key": {a.cfg.APIKey}, "steamid": {steamID}}
		return a.deps.HTTP.GetJSON(gctx, a.cfg.APIBaseURL+"/IPlayerService/GetSteamLevel/v1/?"+q.Encode(), nil, &level)
	})
	if err := g.Wait(); err != nil {
		return nil, providers.Classify("steam", providers.StageFetchingProfile, err)
	}

	var age time.Duration
	if player.TimeCreated > 0 {
		age = requestcontext.Now(ctx).Sub(time.Unix(player.TimeCreated, 0))
	}
	if out := providers.Check(
		providers.Require(player.CommunityVisibilityState == publicVisibility, "Steam profile must be public"),
		providers.Require(age >= minAccountAgeDays*24*time.Hour, "Steam account must be at least %d days old", minAccountAgeDays),
	); out != nil {
		return out, nil
	}

	score := scoring.Steam(scoring.SteamMetrics{
		AccountAge: age,
		GamesOwned: games.Response.GameCount,
		SteamLevel: level.Response.PlayerLevel,
	})
	profile := &models.Profile{WalletID: session.WalletID, Provider: models.ProviderSteam, DisplayName: player.PersonaName, AvatarURL: player.AvatarFull}
	return providers.Succeed(a.deps.Committer, models.ProviderSteam, steamID, score, profile)
}

// authenticate validates the OpenID assertion with Steam and returns the 64-bit
// Steam id it vouches for.
func (a *Adapter) authenticate(ctx context.Context, session *models.Session, params map[string]string) (string, error) {
	if params["openid.mode"] != "id_res" {
		return "", dErrors.New(dErrors.CodeBadRequest, "steam sign-in was cancelled or incomplete")
	}
	if !strings.HasPrefix(params["openid.return_to"], a.returnTo(session.ID)) {
		return "", dErrors.New(dErrors.CodeBadRequest, "steam assertion was issued for a different session")
	}
	m := claimedIDPattern.FindStringSubmatch(params["openid.claimed_id"])
	if m == nil {
		return "", dErrors.New(dErrors.CodeBadRequest, "steam assertion has no valid claimed id")
	}

	form := url.Values{}
	for k, v := range params {
		if strings.HasPrefix(k, "openid.") {
			form.Set(k, v)
		}
	}
	form.Set("openid.mode", "check_authentication")

	body, err := a.deps.HTTP.PostForm(ctx, a.cfg.OpenIDURL, form, nil)
	if err != nil {
		return "", providers.Classify("steam", providers.StageExchangingToken, err)
	}
	if !assertionValid(string(body)) {
		return "", providers.NewProviderError(providers.ErrorAuthentication, "steam", providers.StageExchangingToken,
			"steam could not confirm the sign-in, please try again", nil)
	}
	return m[1], nil
}

// assertionValid reads Steam's key-value check_authentication reply.
func assertionValid(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && k == "is_valid" {
			return v == "true"
		}
	}
	return false
}
