package main

import (
	"humanscore/internal/platform/config"
	"humanscore/internal/verification/providers"
	"humanscore/internal/verification/providers/discord"
	"humanscore/internal/verification/providers/evm"
	"humanscore/internal/verification/providers/github"
	"humanscore/internal/verification/providers/google"
	"humanscore/internal/verification/providers/solana"
	"humanscore/internal/verification/providers/steam"
	"humanscore/internal/verification/providers/telegram"
	"humanscore/internal/verification/providers/tiktok"
	"humanscore/internal/verification/providers/twitter"
)

// buildRegistry registers every provider. Missing credentials leave the adapter in
// place so Start can report exactly what is missing.
func buildRegistry(cfg config.Providers, deps providers.Deps) (*providers.Registry, error) {
	return providers.NewRegistry(
		discord.New(discord.Config{ClientID: cfg.Discord.ClientID, ClientSecret: cfg.Discord.ClientSecret}, deps),
		twitter.New(twitter.Config{ClientID: cfg.Twitter.ClientID, ClientSecret: cfg.Twitter.ClientSecret}, deps),
		github.New(github.Config{ClientID: cfg.GitHub.ClientID, ClientSecret: cfg.GitHub.ClientSecret}, deps),
		google.New(google.Config{ClientID: cfg.Google.ClientID, ClientSecret: cfg.Google.ClientSecret}, deps),
		steam.New(steam.Config{APIKey: cfg.SteamAPIKey}, deps),
		telegram.New(telegram.Config{BotToken: cfg.TelegramBotToken, BotName: cfg.TelegramBotName}, deps),
		tiktok.New(tiktok.Config{ClientKey: cfg.TikTokClientKey, ClientSecret: cfg.TikTokClientSecret}, deps),
		evm.New(evm.Config{EtherscanAPIKey: cfg.EtherscanAPIKey, EtherscanBaseURL: cfg.EtherscanBaseURL}, deps),
		solana.New(solana.Config{RPCURL: cfg.SolanaRPCURL}, deps),
	)
}
