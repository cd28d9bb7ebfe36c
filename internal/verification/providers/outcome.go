package providers

import (
	"errors"
	"fmt"

	"humanscore/internal/commitment"
	"humanscore/internal/verification/models"
	dErrors "humanscore/pkg/domain-errors"
)

// Gate is one eligibility rule. Reason is shown to the user when OK is false.
type Gate struct {
	OK     bool
	Reason string
}

// Require builds a Gate.
func Require(ok bool, format string, args ...any) Gate {
	return Gate{OK: ok, Reason: fmt.Sprintf(format, args...)}
}

// Check evaluates gates and returns an ineligible outcome listing every failed rule,
// or nil when all pass.
func Check(gates ...Gate) *models.Outcome {
	var reasons []string
	for _, g := range gates {
		if !g.OK {
			reasons = append(reasons, g.Reason)
		}
	}
	if len(reasons) == 0 {
		return nil
	}
	return &models.Outcome{Valid: false, Errors: reasons}
}

// Succeed derives the commitment for externalID and assembles a valid outcome.
func Succeed(committer *commitment.Deriver, provider models.Provider, externalID string, score models.ScoreResult, profile *models.Profile) (*models.Outcome, error) {
	c, err := committer.Commit(provider.PlatformID(), externalID)
	if err != nil {
		code := dErrors.CodeInternal
		if errors.Is(err, commitment.ErrMissingSalt) {
			code = dErrors.CodeConfiguration
		}
		return nil, dErrors.Wrap(err, code, "could not derive commitment")
	}
	return &models.Outcome{
		Valid: true,
		Result: &models.Result{
			Provider:   provider,
			Score:      score.Score,
			MaxScore:   score.MaxScore,
			Criteria:   score.Criteria,
			Commitment: &c,
		},
		Profile: profile,
	}, nil
}
