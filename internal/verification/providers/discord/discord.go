// Package discord verifies Discord accounts over OAuth2.
package discord

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"humanscore/internal/scoring"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	"humanscore/internal/verification/providers/oauth"
	"humanscore/pkg/requestcontext"
)

const (
	defaultAuthURL  = "https://discord.com/oauth2/authorize"
	defaultTokenURL = "https://discord.com/api/oauth2/token"
	defaultAPIBase  = "https://discord.com/api/v10"

	// discordEpochMillis is the first millisecond of 2015, the origin of Discord ids.
	discordEpochMillis = 1420070400000

	minAccountAgeDays = 365
)

// Config holds Discord credentials. Endpoint fields override production URLs.
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
			Provider: models.ProviderDiscord,
			HTTP:     deps.HTTP,
			Config: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  deps.CallbackURL(models.ProviderDiscord),
				Scopes:       []string{"identify", "email", "guilds"},
				Endpoint: oauth2.Endpoint{
					AuthURL:   cfg.AuthURL,
					TokenURL:  cfg.TokenURL,
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
		},
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderDiscord
}

func (a *Adapter) Configured() error {
	switch {
	case a.cfg.ClientID == "":
		return providers.ErrNotConfigured("discord", "DISCORD_CLIENT_ID")
	case a.cfg.ClientSecret == "":
		return providers.ErrNotConfigured("discord", "DISCORD_CLIENT_SECRET")
	}
	return nil
}

func (a *Adapter) BuildAuthorizationRequest(_ context.Context, session *models.Session) (*providers.AuthorizationRequest, error) {
	return a.flow.AuthorizationRequest(session), nil
}

type user struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
	Verified   bool   `json:"verified"`
	// PremiumType is 0 for no Nitro.
	PremiumType int `json:"premium_type"`
}

type guild struct {
	ID string `json:"id"`
}

func (a *Adapter) Verify(ctx context.Context, session *models.Session, proof models.Proof) (*models.Outcome, error) {
	log := a.deps.Log(models.ProviderDiscord).With("session_id", session.ID)

	log.DebugContext(ctx, "verification stage", "stage", providers.StageExchangingToken)
	tok, err := a.flow.Exchange(ctx, session, proof)
	if err != nil {
		return nil, err
	}
	auth := oauth.Bearer(tok)

	log.DebugContext(ctx, "verification stage", "stage", providers.StageFetchingProfile)
	var u user
	if err := a.deps.HTTP.GetJSON(ctx, a.cfg.APIBaseURL+"/users/@me", auth, &u); err != nil {
		return nil, providers.Classify("discord", providers.StageFetchingProfile, err)
	}
	if u.ID == "" {
		return nil, providers.BadData("discord", providers.StageFetchingProfile, "discord returned a user without an id")
	}
	var guilds []guild
	if err := a.deps.HTTP.GetJSON(ctx, a.cfg.APIBaseURL+"/users/@me/guilds", auth, &guilds); err != nil {
		return nil, providers.Classify("discord", providers.StageFetchingProfile, err)
	}

	created, err := CreatedAt(u.ID)
	if err != nil {
		return nil, providers.BadData("discord", providers.StageFetchingProfile, err.Error())
	}
	age := requestcontext.Now(ctx).Sub(created)

	log.DebugContext(ctx, "verification stage", "stage", providers.StageValidatingEligibility)
	if out := providers.Check(
		providers.Require(age >= minAccountAgeDays*24*time.Hour, "Discord account must be at least %d days old", minAccountAgeDays),
	); out != nil {
		return out, nil
	}

	log.DebugContext(ctx, "verification stage", "stage", providers.StageScoring)
	score := scoring.Discord(scoring.DiscordMetrics{
		AccountAge:    age,
		ServerCount:   len(guilds),
		VerifiedEmail: u.Verified,
		Premium:       u.PremiumType > 0,
	})

	log.DebugContext(ctx, "verification stage", "stage", providers.StageCommitting)
	return providers.Succeed(a.deps.Committer, models.ProviderDiscord, u.ID, score, profile(session.WalletID, u))
}

// CreatedAt decodes the creation time embedded in a Discord snowflake id.
func CreatedAt(snowflake string) (time.Time, error) {
	id, err := strconv.ParseUint(snowflake, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid discord id %q", snowflake)
	}
	ms := int64(id>>22) + discordEpochMillis
	return time.UnixMilli(ms).UTC(), nil
}

func profile(walletID string, u user) *models.Profile {
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	p := &models.Profile{WalletID: walletID, Provider: models.ProviderDiscord, DisplayName: name}
	if u.Avatar != "" {
		p.AvatarURL = fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", u.ID, u.Avatar)
	}
	return p
}
