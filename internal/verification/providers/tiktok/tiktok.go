// Package tiktok verifies TikTok accounts through Login Kit (OAuth2 with PKCE).
package tiktok

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"humanscore/internal/scoring"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	"humanscore/internal/verification/providers/oauth"
)

const (
	defaultAuthURL  = "https://www.tiktok.com/v2/auth/authorize/"
	defaultTokenURL = "https://open.tiktokapis.com/v2/oauth/token/"
	defaultAPIBase  = "https://open.tiktokapis.com/v2"

	userFields = "open_id,union_id,display_name,avatar_url,follower_count,video_count,likes_count,is_verified"
)

type Config struct {
	ClientKey    string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
}

type Adapter struct {
	cfg  Config
	deps providers.Deps
	flow *oauth.Flow
}

func New(cfg Config, deps providers.Deps) *Adapter {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return &Adapter{
		cfg:  cfg,
		deps: deps,
		flow: &oauth.Flow{
			Provider: models.ProviderTikTok,
			HTTP:     deps.HTTP,
			PKCE:     true,
			Config: &oauth2.Config{
				ClientID:     cfg.ClientKey,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  deps.CallbackURL(models.ProviderTikTok),
				Scopes:       []string{"user.info.basic,user.info.profile,user.info.stats"},
				Endpoint: oauth2.Endpoint{
					AuthURL:   cfg.AuthURL,
					TokenURL:  cfg.TokenURL,
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			// TikTok names the client id client_key.
			Params: []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("client_key", cfg.ClientKey)},
		},
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderTikTok
}

func (a *Adapter) Configured() error {
	switch {
	case a.cfg.ClientKey == "":
		return providers.ErrNotConfigured("tiktok", "TIKTOK_CLIENT_KEY")
	case a.cfg.ClientSecret == "":
		return providers.ErrNotConfigured("tiktok", "TIKTOK_CLIENT_SECRET")
	}
	return nil
}

func (a *Adapter) BuildAuthorizationRequest(_ context.Context, session *models.Session) (*providers.AuthorizationRequest, error) {
	return a.flow.AuthorizationRequest(session), nil
}

type userInfoResponse struct {
	Data struct {
		User struct {
			OpenID        string `json:"open_id"`
			UnionID       string `json:"union_id"`
			DisplayName   string `json:"display_name"`
			AvatarURL     string `json:"avatar_url"`
			FollowerCount int    `json:"follower_count"`
			VideoCount    int    `json:"video_count"`
			LikesCount    int    `json:"likes_count"`
			IsVerified    bool   `json:"is_verified"`
		} `json:"user"`
	} `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) Verify(ctx context.Context, session *models.Session, proof models.Proof) (*models.Outcome, error) {
	tok, err := a.flow.Exchange(ctx, session, proof)
	if err != nil {
		return nil, err
	}

	var info userInfoResponse
	if err := a.deps.HTTP.GetJSON(ctx, a.cfg.APIBaseURL+"/user/info/?fields="+userFields, oauth.Bearer(tok), &info); err != nil {
		return nil, providers.Classify("tiktok", providers.StageFetchingProfile, err)
	}
	// TikTok reports API errors in the body with a 200 status.
	if info.Error.Code != "" && info.Error.Code != "ok" {
		return nil, providers.BadData("tiktok", providers.StageFetchingProfile,
			fmt.Sprintf("tiktok returned error %s", info.Error.Code))
	}
	u := info.Data.User
	if u.OpenID == "" {
		return nil, providers.BadData("tiktok", providers.StageFetchingProfile, "tiktok returned a user without an open_id")
	}

	if out := providers.Check(
		providers.Require(u.VideoCount >= 1, "TikTok account must have posted at least one video"),
	); out != nil {
		return out, nil
	}

	score := scoring.TikTok(scoring.TikTokMetrics{
		Followers:  u.FollowerCount,
		VideoCount: u.VideoCount,
		Likes:      u.LikesCount,
		Verified:   u.IsVerified,
	})
	profile := &models.Profile{WalletID: session.WalletID, Provider: models.ProviderTikTok, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
	return providers.Succeed(a.deps.Committer, models.ProviderTikTok, u.OpenID, score, profile)
}
