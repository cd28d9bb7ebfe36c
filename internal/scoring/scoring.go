// Package scoring turns provider metrics into a bounded, itemized score. Every
// function is pure and reports each of its rules, achieved or not, under a stable
// condition label.
package scoring

import (
	"math"
	"time"

	"humanscore/internal/verification/models"
)

const day = 24 * time.Hour

// Year is the calendar-agnostic year used by age rules.
const Year = 365 * day

// tier is one rung of a tiered rule. Tiers are listed best first.
type tier struct {
	min         float64
	points      float64
	description string
}

// tiered awards the first tier whose minimum value meets. When none does it reports
// the top tier's points as what was available.
func tiered(condition string, value float64, tiers ...tier) models.Criterion {
	for _, t := range tiers {
		if value >= t.min {
			return models.Criterion{Condition: condition, Description: t.description, Points: t.points, Achieved: true}
		}
	}
	top := tiers[0]
	return models.Criterion{Condition: condition, Description: top.description, Points: top.points, Achieved: false}
}

func flag(condition, description string, ok bool, points float64) models.Criterion {
	return models.Criterion{Condition: condition, Description: description, Points: points, Achieved: ok}
}

// total sums achieved points, rounds to two decimals and clamps to [0, maxScore].
func total(maxScore float64, criteria ...models.Criterion) models.ScoreResult {
	var sum float64
	for _, c := range criteria {
		if c.Achieved {
			sum += c.Points
		}
	}
	sum = math.Round(sum*100) / 100
	sum = math.Max(0, math.Min(sum, maxScore))
	return models.ScoreResult{Score: sum, MaxScore: maxScore, Criteria: criteria}
}

func years(d time.Duration) float64 {
	return d.Hours() / Year.Hours()
}

func days(d time.Duration) float64 {
	return d.Hours() / 24
}

// MaxScore returns the ceiling for provider, or 0 for an unknown provider.
func MaxScore(provider models.Provider) float64 {
	switch provider {
	case models.ProviderDiscord:
		return DiscordMax
	case models.ProviderTwitter:
		return TwitterMax
	case models.ProviderGitHub:
		return GitHubMax
	case models.ProviderGoogle:
		return GoogleMax
	case models.ProviderSteam:
		return SteamMax
	case models.ProviderTelegram:
		return TelegramMax
	case models.ProviderTikTok:
		return TikTokMax
	case models.ProviderEVM:
		return EVMMax
	case models.ProviderSolana:
		return SolanaMax
	}
	return 0
}
