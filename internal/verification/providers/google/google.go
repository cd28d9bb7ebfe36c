// Package google verifies Google accounts over OpenID Connect.
package google

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"humanscore/internal/scoring"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	"humanscore/internal/verification/providers/oauth"
)

const (
	defaultAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultTokenURL    = "https://oauth2.googleapis.com/token"
	defaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
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
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = defaultUserInfoURL
	}
	return &Adapter{
		cfg:  cfg,
		deps: deps,
		flow: &oauth.Flow{
			Provider: models.ProviderGoogle,
			HTTP:     deps.HTTP,
			Config: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  deps.CallbackURL(models.ProviderGoogle),
				Scopes:       []string{"openid", "email", "profile"},
				Endpoint: oauth2.Endpoint{
					AuthURL:   cfg.AuthURL,
					TokenURL:  cfg.TokenURL,
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			Params: []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "select_account")},
		},
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderGoogle
}

func (a *Adapter) Configured() error {
	switch {
	case a.cfg.ClientID == "":
		return providers.ErrNotConfigured("google", "GOOGLE_CLIENT_ID")
	case a.cfg.ClientSecret == "":
		return providers.ErrNotConfigured("google", "GOOGLE_CLIENT_SECRET")
	}
	return nil
}

func (a *Adapter) BuildAuthorizationRequest(_ context.Context, session *models.Session) (*providers.AuthorizationRequest, error) {
	return a.flow.AuthorizationRequest(session), nil
}

// identity is the subset of OpenID claims used for scoring. The same shape decodes
// both the ID token payload and the userinfo response.
type identity struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	HostedDomain  string `json:"hd"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func (a *Adapter) Verify(ctx context.Context, session *models.Session, proof models.Proof) (*models.Outcome, error) {
	tok, err := a.flow.Exchange(ctx, session, proof)
	if err != nil {
		return nil, err
	}

	id, err := a.identity(ctx, tok)
	if err != nil {
		return nil, err
	}
	if id.Subject == "" {
		return nil, providers.BadData("google", providers.StageFetchingProfile, "google returned an identity without a subject")
	}

	if out := providers.Check(
		providers.Require(id.EmailVerified, "Google account email must be verified"),
	); out != nil {
		return out, nil
	}

	score := scoring.Google(scoring.GoogleMetrics{
		EmailVerified:    id.EmailVerified,
		WorkspaceAccount: id.HostedDomain != "",
	})
	name := id.Name
	if name == "" {
		name = id.Email
	}
	profile := &models.Profile{WalletID: session.WalletID, Provider: models.ProviderGoogle, DisplayName: name, AvatarURL: id.Picture}
	return providers.Succeed(a.deps.Committer, models.ProviderGoogle, id.Subject, score, profile)
}

// identity reads the ID token returned with the access token. The token came straight
// from Google's token endpoint over TLS, so its signature is not re-checked here. When
// no ID token is present the userinfo endpoint is queried instead.
func (a *Adapter) identity(ctx context.Context, tok *oauth2.Token) (*identity, error) {
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		var id identity
		if _, _, err := jwt.NewParser().ParseUnverified(raw, &id); err != nil {
			return nil, providers.NewProviderError(providers.ErrorBadData, "google", providers.StageFetchingProfile,
				"google returned a malformed id token", err)
		}
		return &id, nil
	}

	var id identity
	if err := a.deps.HTTP.GetJSON(ctx, a.cfg.UserInfoURL, oauth.Bearer(tok), &id); err != nil {
		return nil, providers.Classify("google", providers.StageFetchingProfile, err)
	}
	return &id, nil
}
