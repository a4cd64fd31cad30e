package providers

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrProvider = errors.New("provider error")

const NoResponseText = "No response"

type Request struct {
	Model     string
	Prompt    string
	MaxTokens int
}

type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	// UsageEstimated is set when the upstream omitted usage and counts were estimated.
	UsageEstimated bool
}

// Provider is one upstream completion API. Implementations never retry.
type Provider interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// ProviderError reports an upstream failure. Detail never contains credentials.
type ProviderError struct {
	Provider string
	Status   int
	Detail   string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s API error: %s", e.Provider, e.Detail)
}

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

func NewError(provider string, status int, detail string) *ProviderError {
	return &ProviderError{Provider: provider, Status: status, Detail: truncate(detail, 512)}
}

// EstimateTokens approximates a token count at four characters per token, rounded up.
func EstimateTokens(text string) int64 {
	n := int64(utf8.RuneCountInString(text))
	return (n + 3) / 4
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
