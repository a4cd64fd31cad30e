package registry

import (
	"fmt"
	"net/http"

	"payprompt/internal/catalog"
	"payprompt/internal/providers"
	"payprompt/internal/providers/anthropic_messages"
	"payprompt/internal/providers/gemini"
	"payprompt/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind       catalog.Provider
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func Build(opts BuildOptions) (providers.Provider, error) {
	switch opts.Kind {
	case catalog.ProviderGroq:
		base := opts.BaseURL
		if base == "" {
			base = openai_compat.GroqBaseURL
		}
		return openai_compat.New(openai_compat.Config{
			Name:       "Groq",
			BaseURL:    base,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		}), nil

	case catalog.ProviderXAI:
		base := opts.BaseURL
		if base == "" {
			base = openai_compat.XAIBaseURL
		}
		return openai_compat.New(openai_compat.Config{
			Name:       "xAI",
			BaseURL:    base,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		}), nil

	case catalog.ProviderGoogle:
		gopts := []gemini.Option{}
		if opts.BaseURL != "" {
			gopts = append(gopts, gemini.WithBaseURL(opts.BaseURL))
		}
		if opts.HTTPClient != nil {
			gopts = append(gopts, gemini.WithHTTPClient(opts.HTTPClient))
		}
		return gemini.New(opts.APIKey, gopts...), nil

	case catalog.ProviderAnthropic:
		return anthropic_messages.New(anthropic_messages.Config{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

// BuildGateway wires every provider family. Families without a key are still
// registered so calls fail with a provider error naming the missing key.
func BuildGateway(all []BuildOptions) (*providers.Gateway, error) {
	byProvider := make(map[catalog.Provider]providers.Provider, len(all))
	for _, opts := range all {
		p, err := Build(opts)
		if err != nil {
			return nil, err
		}
		byProvider[opts.Kind] = p
	}
	return providers.NewGateway(byProvider), nil
}
