package catalog

import "github.com/shopspring/decimal"

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// builtin returns the default price table in USD per million tokens. One MNEE is taken as one USD.
func builtin() []Model {
	return []Model{
		{
			ID:                    "groq-llama-70b",
			Name:                  "Llama 3.3 70B",
			Description:           "Fast & affordable. Great for general tasks.",
			Provider:              ProviderGroq,
			UpstreamID:            "llama-3.3-70b-versatile",
			InputPricePerMillion:  usd("0.59"),
			OutputPricePerMillion: usd("0.79"),
			MaxOutputTokens:       8192,
			ContextWindow:         128000,
			Tier:                  TierBudget,
		},
		{
			ID:                    "groq-llama-8b",
			Name:                  "Llama 3.1 8B",
			Description:           "Ultra-fast, ultra-cheap. Simple tasks.",
			Provider:              ProviderGroq,
			UpstreamID:            "llama-3.1-8b-instant",
			InputPricePerMillion:  usd("0.05"),
			OutputPricePerMillion: usd("0.08"),
			MaxOutputTokens:       8192,
			ContextWindow:         128000,
			Tier:                  TierBudget,
		},
		{
			ID:                    "gemini-2.5-pro",
			Name:                  "Gemini 2.5 Pro",
			Description:           "Google's flagship. Excellent reasoning.",
			Provider:              ProviderGoogle,
			UpstreamID:            "gemini-2.5-pro",
			InputPricePerMillion:  usd("1.25"),
			OutputPricePerMillion: usd("10.00"),
			MaxOutputTokens:       8192,
			ContextWindow:         1000000,
			Tier:                  TierStandard,
		},
		{
			ID:                    "gemini-2.5-flash",
			Name:                  "Gemini 2.5 Flash",
			Description:           "Fast Gemini variant. Good balance.",
			Provider:              ProviderGoogle,
			UpstreamID:            "gemini-2.5-flash",
			InputPricePerMillion:  usd("0.15"),
			OutputPricePerMillion: usd("0.60"),
			MaxOutputTokens:       8192,
			ContextWindow:         1000000,
			Tier:                  TierBudget,
		},
		{
			ID:                    "gemini-3-pro",
			Name:                  "Gemini 3 Pro",
			Description:           "Latest Gemini. State-of-the-art.",
			Provider:              ProviderGoogle,
			UpstreamID:            "gemini-3-pro-preview",
			InputPricePerMillion:  usd("2.00"),
			OutputPricePerMillion: usd("12.00"),
			MaxOutputTokens:       8192,
			ContextWindow:         1000000,
			Tier:                  TierPremium,
		},
		{
			ID:                    "claude-sonnet-4",
			Name:                  "Claude Sonnet 4",
			Description:           "Balanced Claude. Great for coding.",
			Provider:              ProviderAnthropic,
			UpstreamID:            "claude-sonnet-4-20250514",
			InputPricePerMillion:  usd("3.00"),
			OutputPricePerMillion: usd("15.00"),
			MaxOutputTokens:       8192,
			ContextWindow:         200000,
			Tier:                  TierStandard,
		},
		{
			ID:                    "claude-opus-4",
			Name:                  "Claude Opus 4",
			Description:           "Most powerful Claude. Complex reasoning.",
			Provider:              ProviderAnthropic,
			UpstreamID:            "claude-opus-4-20250514",
			InputPricePerMillion:  usd("15.00"),
			OutputPricePerMillion: usd("75.00"),
			MaxOutputTokens:       8192,
			ContextWindow:         200000,
			Tier:                  TierPremium,
		},
		{
			ID:                    "claude-haiku-3.5",
			Name:                  "Claude Haiku 3.5",
			Description:           "Fast & cheap Claude. Quick tasks.",
			Provider:              ProviderAnthropic,
			UpstreamID:            "claude-3-5-haiku-20241022",
			InputPricePerMillion:  usd("0.80"),
			OutputPricePerMillion: usd("4.00"),
			MaxOutputTokens:       8192,
			ContextWindow:         200000,
			Tier:                  TierBudget,
		},
		{
			ID:                    "grok-4",
			Name:                  "Grok 4",
			Description:           "xAI flagship. Strong reasoning & code.",
			Provider:              ProviderXAI,
			UpstreamID:            "grok-4",
			InputPricePerMillion:  usd("3.00"),
			OutputPricePerMillion: usd("15.00"),
			MaxOutputTokens:       16384,
			ContextWindow:         256000,
			Tier:                  TierStandard,
		},
		{
			ID:                    "grok-3-fast",
			Name:                  "Grok 3 Fast",
			Description:           "Ultra cheap xAI model. Very fast.",
			Provider:              ProviderXAI,
			UpstreamID:            "grok-3-fast",
			InputPricePerMillion:  usd("0.20"),
			OutputPricePerMillion: usd("0.50"),
			MaxOutputTokens:       16384,
			ContextWindow:         128000,
			Tier:                  TierBudget,
		},
	}
}
