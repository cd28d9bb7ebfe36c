package models

import (
	"fmt"
	"strings"
)

// Provider identifies an external identity or wallet system.
type Provider string

const (
	ProviderDiscord  Provider = "discord"
	ProviderTwitter  Provider = "twitter"
	ProviderGitHub   Provider = "github"
	ProviderGoogle   Provider = "google"
	ProviderSteam    Provider = "steam"
	ProviderTelegram Provider = "telegram"
	ProviderTikTok   Provider = "tiktok"
	ProviderEVM      Provider = "evm"
	ProviderSolana   Provider = "solana"
)

// FlowKind describes how a provider proves ownership.
type FlowKind string

const (
	// FlowRedirect sends the browser to the provider and back to the callback.
	FlowRedirect FlowKind = "redirect"
	// FlowWidget renders a provider widget that posts back to the callback.
	FlowWidget FlowKind = "widget"
	// FlowSignature asks the client to sign a challenge with a wallet key.
	FlowSignature FlowKind = "signature"
)

type providerInfo struct {
	platformID int
	kind       FlowKind
}

// Platform ids are part of every commitment preimage; never renumber them.
var providerTable = map[Provider]providerInfo{
	ProviderDiscord:  {platformID: 1, kind: FlowRedirect},
	ProviderTwitter:  {platformID: 2, kind: FlowRedirect},
	ProviderGitHub:   {platformID: 3, kind: FlowRedirect},
	ProviderGoogle:   {platformID: 4, kind: FlowRedirect},
	ProviderSteam:    {platformID: 5, kind: FlowRedirect},
	ProviderTelegram: {platformID: 6, kind: FlowWidget},
	ProviderTikTok:   {platformID: 7, kind: FlowRedirect},
	ProviderEVM:      {platformID: 8, kind: FlowSignature},
	ProviderSolana:   {platformID: 9, kind: FlowSignature},
}

// AllProviders lists providers in platform id order.
func AllProviders() []Provider {
	return []Provider{
		ProviderDiscord, ProviderTwitter, ProviderGitHub, ProviderGoogle, ProviderSteam,
		ProviderTelegram, ProviderTikTok, ProviderEVM, ProviderSolana,
	}
}

// ParseProvider accepts a case-insensitive provider name.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := providerTable[p]; !ok {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

func (p Provider) String() string {
	return string(p)
}

// PlatformID is the small integer bound into commitments for this provider.
func (p Provider) PlatformID() int {
	return providerTable[p].platformID
}

func (p Provider) Kind() FlowKind {
	return providerTable[p].kind
}
