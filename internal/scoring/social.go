package scoring

import (
	"time"

	"humanscore/internal/verification/models"
)

const (
	DiscordMax  = 7.8
	TwitterMax  = 30
	GitHubMax   = 25
	GoogleMax   = 10
	SteamMax    = 20
	TelegramMax = 10
	TikTokMax   = 10
)

type DiscordMetrics struct {
	AccountAge    time.Duration
	ServerCount   int
	VerifiedEmail bool
	Premium       bool
}

func Discord(m DiscordMetrics) models.ScoreResult {
	return total(DiscordMax,
		tiered("account_age", years(m.AccountAge),
			tier{3, 3.0, "Account older than 3 years"},
			tier{1, 2.0, "Account older than 1 year"}),
		tiered("server_count", float64(m.ServerCount),
			tier{10, 2.0, "Member of 10 or more servers"},
			tier{3, 1.0, "Member of 3 or more servers"}),
		flag("verified_email", "Verified email address", m.VerifiedEmail, 1.8),
		flag("premium", "Nitro subscriber", m.Premium, 1.0),
	)
}

type TwitterMetrics struct {
	AccountAge time.Duration
	Followers  int
	TweetCount int
	Verified   bool
}

func Twitter(m TwitterMetrics) models.ScoreResult {
	return total(TwitterMax,
		tiered("account_age", years(m.AccountAge),
			tier{2, 10, "Account older than 2 years"},
			tier{1, 5, "Account older than 1 year"}),
		tiered("followers", float64(m.Followers),
			tier{500, 10, "500 or more followers"},
			tier{100, 5, "100 or more followers"}),
		tiered("tweet_count", float64(m.TweetCount),
			tier{1000, 5, "1000 or more posts"},
			tier{100, 2, "100 or more posts"}),
		flag("verified", "Verified account", m.Verified, 5),
	)
}

type GitHubMetrics struct {
	AccountAge  time.Duration
	PublicRepos int
	Followers   int
	Stars       int
}

func GitHub(m GitHubMetrics) models.ScoreResult {
	return total(GitHubMax,
		tiered("account_age", years(m.AccountAge),
			tier{2, 8, "Account older than 2 years"},
			tier{1, 4, "Account older than 1 year"}),
		tiered("public_repos", float64(m.PublicRepos),
			tier{10, 7, "10 or more public repositories"},
			tier{3, 3, "3 or more public repositories"}),
		tiered("followers", float64(m.Followers),
			tier{20, 5, "20 or more followers"},
			tier{5, 2, "5 or more followers"}),
		tiered("stars", float64(m.Stars),
			tier{10, 5, "10 or more stars across repositories"},
			tier{1, 2, "At least one starred repository"}),
	)
}

type GoogleMetrics struct {
	EmailVerified    bool
	WorkspaceAccount bool
}

func Google(m GoogleMetrics) models.ScoreResult {
	return total(GoogleMax,
		flag("email_verified", "Verified email address", m.EmailVerified, 6),
		flag("workspace_account", "Google Workspace account", m.WorkspaceAccount, 4),
	)
}

type SteamMetrics struct {
	AccountAge time.Duration
	GamesOwned int
	SteamLevel int
}

func Steam(m SteamMetrics) models.ScoreResult {
	return total(SteamMax,
		tiered("account_age", years(m.AccountAge),
			tier{5, 8, "Account older than 5 years"},
			tier{2, 4, "Account older than 2 years"}),
		tiered("games_owned", float64(m.GamesOwned),
			tier{20, 6, "20 or more games owned"},
			tier{5, 3, "5 or more games owned"}),
		tiered("steam_level", float64(m.SteamLevel),
			tier{10, 6, "Steam level 10 or higher"},
			tier{3, 3, "Steam level 3 or higher"}),
	)
}

// EstablishedTelegramID is the id below which Telegram accounts are considered old.
const EstablishedTelegramID = 1_000_000_000

type TelegramMetrics struct {
	UserID      int64
	HasUsername bool
	HasPhotoURL bool
}

func Telegram(m TelegramMetrics) models.ScoreResult {
	return total(TelegramMax,
		flag("established_account", "Established account", m.UserID > 0 && m.UserID < EstablishedTelegramID, 5),
		flag("username", "Public username set", m.HasUsername, 3),
		flag("profile_photo", "Profile photo set", m.HasPhotoURL, 2),
	)
}

type TikTokMetrics struct {
	Followers  int
	VideoCount int
	Likes      int
	Verified   bool
}

func TikTok(m TikTokMetrics) models.ScoreResult {
	return total(TikTokMax,
		flag("followers", "100 or more followers", m.Followers >= 100, 3),
		flag("video_count", "10 or more videos", m.VideoCount >= 10, 3),
		flag("likes", "500 or more likes", m.Likes >= 500, 2),
		flag("verified", "Verified account", m.Verified, 2),
	)
}
