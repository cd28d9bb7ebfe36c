// Package twitter verifies X/Twitter accounts over OAuth2 with PKCE.
package twitter

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"humanscore/internal/scoring"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	"humanscore/internal/verification/providers/oauth"
	"humanscore/pkg/requestcontext"
)

const (
	defaultAuthURL  = "https://twitter.com/i/oauth2/authorize"
	defaultTokenURL = "https://api.twitter.com/2/oauth2/token"
	defaultAPIBase  = "https://api.twitter.com/2"

	minAccountAgeDays = 90
	minFollowers      = 10
)

type Config struct {
	ClientID     string
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
			Provider: models.ProviderTwitter,
			HTTP:     deps.HTTP,
			PKCE:     true,
			Config: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  deps.CallbackURL(models.ProviderTwitter),
				Scopes:       []string{"users.read", "tweet.read"},
				Endpoint: oauth2.Endpoint{
					AuthURL:   cfg.AuthURL,
					TokenURL:  cfg.TokenURL,
					AuthStyle: oauth2.AuthStyleInHeader,
				},
			},
		},
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderTwitter
}

func (a *Adapter) Configured() error {
	switch {
	case a.cfg.ClientID == "":
		return providers.ErrNotConfigured("twitter", "TWITTER_CLIENT_ID")
	case a.cfg.ClientSecret == "":
		return providers.ErrNotConfigured("twitter", "TWITTER_CLIENT_SECRET")
	}
	return nil
}

func (a *Adapter) BuildAuthorizationRequest(_ context.Context, session *models.Session) (*providers.AuthorizationRequest, error) {
	return a.flow.AuthorizationRequest(session), nil
}

type meResponse struct {
	Data struct {
		ID              string    `json:"id"`
		Name            string    `json:"name"`
		Username        string    `json:"username"`
		CreatedAt       time.Time `json:"created_at"`
		Verified        bool      `json:"verified"`
		ProfileImageURL string    `json:"profile_image_url"`
		PublicMetrics   struct {
			FollowersCount int `json:"followers_count"`
			TweetCount     int `json:"tweet_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

func (a *Adapter) Verify(ctx context.Context, session *models.Session, proof models.Proof) (*models.Outcome, error) {
	tok, err := a.flow.Exchange(ctx, session, proof)
	if err != nil {
		return nil, err
	}

	var me meResponse
	url := a.cfg.APIBaseURL + "/users/me?user.fields=created_at,public_metrics,verified,profile_image_url"
	if err := a.deps.HTTP.GetJSON(ctx, url, oauth.Bearer(tok), &me); err != nil {
		return nil, providers.Classify("twitter", providers.StageFetchingProfile, err)
	}
	u := me.Data
	if u.ID == "" {
		return nil, providers.BadData("twitter", providers.StageFetchingProfile, "twitter returned a user without an id")
	}

	age := requestcontext.Now(ctx).Sub(u.CreatedAt)
	if out := providers.Check(
		providers.Require(age >= minAccountAgeDays*24*time.Hour, "Twitter account must be at least %d days old", minAccountAgeDays),
		providers.Require(u.PublicMetrics.FollowersCount >= minFollowers, "Twitter account must have at least %d followers", minFollowers),
	); out != nil {
		return out, nil
	}

	score := scoring.Twitter(scoring.TwitterMetrics{
		AccountAge: age,
		Followers:  u.PublicMetrics.FollowersCount,
		TweetCount: u.PublicMetrics.TweetCount,
		Verified:   u.Verified,
	})
	name := u.Name
	if name == "" {
		name = u.Username
	}
	profile := &models.Profile{WalletID: session.WalletID, Provider: models.ProviderTwitter, DisplayName: name, AvatarURL: u.ProfileImageURL}
	return providers.Succeed(a.deps.Committer, models.ProviderTwitter, u.ID, score, profile)
}
