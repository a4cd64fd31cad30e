package providers

import (
	"context"
	"fmt"

	"payprompt/internal/catalog"
)

// Gateway dispatches a catalog model to the provider family that serves it.
type Gateway struct {
	byProvider map[catalog.Provider]Provider
}

func NewGateway(byProvider map[catalog.Provider]Provider) *Gateway {
	cp := make(map[catalog.Provider]Provider, len(byProvider))
	for k, v := range byProvider {
		cp[k] = v
	}
	return &Gateway{byProvider: cp}
}

// Complete runs prompt on m's upstream model with m's output budget.
func (g *Gateway) Complete(ctx context.Context, m catalog.Model, prompt string) (Completion, error) {
	p, ok := g.byProvider[m.Provider]
	if !ok {
		return Completion{}, NewError(string(m.Provider), 0, fmt.Sprintf("provider %q is not configured", m.Provider))
	}
	return p.Complete(ctx, Request{
		Model:     m.UpstreamID,
		Prompt:    prompt,
		MaxTokens: m.MaxOutputTokens,
	})
}

func (g *Gateway) Configured(p catalog.Provider) bool {
	_, ok := g.byProvider[p]
	return ok
}
