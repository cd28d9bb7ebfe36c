// Package oauth wraps golang.org/x/oauth2 for the redirect-based providers: state
// packing, PKCE and a token exchange routed through the shared upstream client.
package oauth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"humanscore/internal/platform/upstream"
	"humanscore/internal/verification/models"
	"humanscore/internal/verification/providers"
	dErrors "humanscore/pkg/domain-errors"
)

// State packs the session id and, for PKCE flows, the code verifier.
func State(sessionID, verifier string) string {
	if verifier == "" {
		return sessionID
	}
	return sessionID + ":" + verifier
}

// ParseState splits a state value produced by State.
func ParseState(state string) (sessionID, verifier string) {
	sessionID, verifier, _ = strings.Cut(strings.TrimSpace(state), ":")
	return sessionID, verifier
}

// Flow is one provider's authorization code flow.
type Flow struct {
	Provider models.Provider
	Config   *oauth2.Config
	PKCE     bool
	HTTP     *upstream.Client
	// Extra parameters sent with both the authorization redirect and the exchange.
	Params []oauth2.AuthCodeOption
}

// AuthorizationRequest builds the redirect for session.
func (f *Flow) AuthorizationRequest(session *models.Session) *providers.AuthorizationRequest {
	opts := append([]oauth2.AuthCodeOption(nil), f.Params...)
	state := map[string]any{}
	verifier := ""
	if f.PKCE {
		verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
		state[models.StateKeyCodeVerifier] = verifier
	}
	return &providers.AuthorizationRequest{
		RedirectURL: f.Config.AuthCodeURL(State(session.ID, verifier), opts...),
		StateData:   state,
	}
}

// Exchange trades the callback code for a token. The verifier comes from the proof,
// then the session, then the packed state.
func (f *Flow) Exchange(ctx context.Context, session *models.Session, proof models.Proof) (*oauth2.Token, error) {
	if proof.Code == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "authorization code is missing")
	}

	opts := append([]oauth2.AuthCodeOption(nil), f.Params...)
	if f.PKCE {
		verifier := proof.CodeVerifier
		if verifier == "" {
			verifier = session.StringState(models.StateKeyCodeVerifier)
		}
		if verifier == "" {
			_, verifier = ParseState(proof.State)
		}
		if verifier == "" {
			return nil, dErrors.New(dErrors.CodeBadRequest, "code verifier is missing")
		}
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := f.Config.Exchange(f.Context(ctx), proof.Code, opts...)
	if err != nil {
		return nil, classifyExchange(string(f.Provider), f.Config.Endpoint.TokenURL, err)
	}
	return tok, nil
}

// Context routes oauth2's own HTTP calls through the retrying upstream client.
func (f *Flow) Context(ctx context.Context) context.Context {
	if f.HTTP == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, f.HTTP.StandardClient())
}

// Bearer returns the Authorization header for tok.
func Bearer(tok *oauth2.Token) http.Header {
	return http.Header{"Authorization": {"Bearer " + tok.AccessToken}}
}

func classifyExchange(provider, tokenURL string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		se := &upstream.StatusError{
			Method:     http.MethodPost,
			URL:        tokenURL,
			StatusCode: re.Response.StatusCode,
			Body:       re.ErrorCode,
		}
		if se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusUnauthorized {
			return providers.NewProviderError(providers.ErrorAuthentication, provider, providers.StageExchangingToken,
				"authorization code was rejected, please try again", se)
		}
		return providers.Classify(provider, providers.StageExchangingToken, se)
	}
	return providers.Classify(provider, providers.StageExchangingToken, err)
}
