// Package github verifies GitHub accounts over OAuth2.
package github

import (
	"context"
	"net/http"
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
	defaultAuthURL  = "https://github.com/login/oauth/authorize"
	defaultTokenURL = "https://github.com/login/oauth/access_token"
	defaultAPIBase  = "https://api.github.com"

	minAccountAgeDays = 180
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
			Provider: models.ProviderGitHub,
			HTTP:     deps.HTTP,
			Config: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  deps.CallbackURL(models.ProviderGitHub),
				Scopes:       []string{"read:user"},
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
	return models.ProviderGitHub
}

func (a *Adapter) Configured() error {
	switch {
	case a.cfg.ClientID == "":
		return providers.ErrNotConfigured("github", "GITHUB_CLIENT_ID")
	case a.cfg.ClientSecret == "":
		return providers.ErrNotConfigured("github", "GITHUB_CLIENT_SECRET")
	}
	return nil
}

func (a *Adapter) BuildAuthorizationRequest(_ context.Context, session *models.Session) (*providers.AuthorizationRequest, error) {
	return a.flow.AuthorizationRequest(session), nil
}

type user struct {
	ID          int64     `json:"id"`
	Login       string    `json:"login"`
	Name        string    `json:"name"`
	AvatarURL   string    `json:"avatar_url"`
	PublicRepos int       `json:"public_repos"`
	Followers   int       `json:"followers"`
	CreatedAt   time.Time `json:"created_at"`
}

type repo struct {
	Fork            bool `json:"fork"`
	StargazersCount int  `json:"stargazers_count"`
}

func (a *Adapter) Verify(ctx context.Context, session *models.Session, proof models.Proof) (*models.Outcome, error) {
	tok, err := a.flow.Exchange(ctx, session, proof)
	if err != nil {
		return nil, err
	}
	header := oauth.Bearer(tok)
	header.Set("Accept", "application/vnd.github+json")
	header.Set("X-GitHub-Api-Version", "2022-11-28")

	var u user
	if err := a.deps.HTTP.GetJSON(ctx, a.cfg.APIBaseURL+"/user", header, &u); err != nil {
		return nil, providers.Classify("github", providers.StageFetchingProfile, err)
	}
	if u.ID == 0 {
		return nil, providers.BadData("github", providers.StageFetchingProfile, "github returned a user without an id")
	}
	stars, err := a.stars(ctx, header)
	if err != nil {
		return nil, providers.Classify("github", providers.StageFetchingProfile, err)
	}

	age := requestcontext.Now(ctx).Sub(u.CreatedAt)
	if out := providers.Check(
		providers.Require(age >= minAccountAgeDays*24*time.Hour, "GitHub account must be at least %d days old", minAccountAgeDays),
	); out != nil {
		a.deps.Log(models.ProviderGitHub).InfoContext(ctx, "account ineligible", "session_id", session.ID, "reasons", out.Errors)
		return out, nil
	}

	score := scoring.GitHub(scoring.GitHubMetrics{
		AccountAge:  age,
		PublicRepos: u.PublicRepos,
		Followers:   u.Followers,
		Stars:       stars,
	})

	name := u.Name
	if name == "" {
		name = u.Login
	}
	profile := &models.Profile{WalletID: session.WalletID, Provider: models.ProviderGitHub, DisplayName: name, AvatarURL: u.AvatarURL}
	return providers.Succeed(a.deps.Committer, models.ProviderGitHub, strconv.FormatInt(u.ID, 10), score, profile)
}

// stars totals stargazers over the first page of the user's own, non-fork repos.
func (a *Adapter) stars(ctx context.Context, header http.Header) (int, error) {
	var repos []repo
	if err := a.deps.HTTP.GetJSON(ctx, a.cfg.APIBaseURL+"/user/repos?per_page=100&type=owner&sort=updated", header, &repos); err != nil {
		return 0, err
	}
	total := 0
	for _, r := range repos {
		if !r.Fork {
			total += r.StargazersCount
		}
	}
	return total, nil
}
