// Package providers holds the contract every identity or wallet adapter implements
// and the helpers they share: stage taxonomy, error classification, eligibility
// gates and outcome construction.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"humanscore/internal/commitment"
	"humanscore/internal/platform/metrics"
	"humanscore/internal/platform/upstream"
	"humanscore/internal/verification/models"
)

// Stage names one step of a verification attempt. It labels logs and metrics.
type Stage string

const (
	StageExchangingToken       Stage = "exchanging_token"
	StageFetchingProfile       Stage = "fetching_profile"
	StageValidatingEligibility Stage = "validating_eligibility"
	StageScoring               Stage = "scoring"
	StageCommitting            Stage = "committing"
)

// Widget describes an embeddable login widget (Telegram).
type Widget struct {
	BotName string `json:"botName"`
	AuthURL string `json:"authUrl"`
}

// AuthorizationRequest is what Start hands back to the client. Redirect providers
// fill RedirectURL, signature providers fill Message, widget providers fill Widget.
// StateData is merged into the pending session.
type AuthorizationRequest struct {
	RedirectURL string
	Message     string
	Widget      *Widget
	StateData   map[string]any
}

// Adapter verifies ownership of one kind of external identity.
//
// Verify returns an error for technical failures (bad configuration, unreachable or
// rejecting upstream, forged signature) and a non-valid Outcome for accounts that
// simply do not meet the eligibility rules.
type Adapter interface {
	Provider() models.Provider
	// Configured returns a configuration error when credentials are missing.
	Configured() error
	BuildAuthorizationRequest(ctx context.Context, session *models.Session) (*AuthorizationRequest, error)
	Verify(ctx context.Context, session *models.Session, proof models.Proof) (*models.Outcome, error)
}

// Deps are the collaborators shared by every adapter.
type Deps struct {
	HTTP      *upstream.Client
	Committer *commitment.Deriver
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// BaseURL is the public origin of this service, used to build callback URLs.
	BaseURL string
}

// Log returns the adapter logger tagged with provider.
func (d Deps) Log(provider models.Provider) *slog.Logger {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("provider", string(provider))
}

// CallbackURL is where provider flows return to.
func (d Deps) CallbackURL(provider models.Provider) string {
	return fmt.Sprintf("%s/api/v1/verify/%s/callback", strings.TrimRight(d.BaseURL, "/"), provider)
}

// Registry maps providers to adapters.
type Registry struct {
	adapters map[models.Provider]Adapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter; each provider may be registered once.
func (r *Registry) Register(a Adapter) error {
	p := a.Provider()
	if _, exists := r.adapters[p]; exists {
		return fmt.Errorf("provider %s already registered", p)
	}
	r.adapters[p] = a
	return nil
}

func (r *Registry) Get(p models.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Providers lists registered providers in platform id order.
func (r *Registry) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformID() < out[j].PlatformID() })
	return out
}
