package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCostExact(t *testing.T) {
	c := Default()

	groq, err := c.Get("groq-llama-70b")
	require.NoError(t, err)
	// (100/1e6*0.59 + 500/1e6*0.79) * 1.2
	assert.Equal(t, "0.0005448", groq.Cost(100, 500).String())
	assert.True(t, groq.EstimateMinimum().Equal(groq.Cost(100, 500)))

	opus, err := c.Get("claude-opus-4")
	require.NoError(t, err)
	// (120/1e6*15 + 340/1e6*75) * 1.2
	assert.Equal(t, "0.03276", opus.Cost(120, 340).String())
	assert.True(t, opus.Cost(0, 0).IsZero())
}

func TestResolveDefault(t *testing.T) {
	c := Default()
	m, err := c.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "groq-llama-70b", m.ID)

	_, err = c.Resolve("gpt-17")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestBuiltinTable(t *testing.T) {
	c := Default()
	require.Len(t, c.List(), 10)
	assert.Len(t, c.ByProvider(ProviderAnthropic), 3)
	assert.Len(t, c.ByProvider(ProviderXAI), 2)

	budget := c.ByTier(TierBudget)
	require.NotEmpty(t, budget)
	assert.Equal(t, "groq-llama-8b", budget[0].ID)

	grok, err := c.Get("grok-4")
	require.NoError(t, err)
	assert.Equal(t, 16384, grok.MaxOutputTokens)
	assert.Equal(t, "grok-4", grok.UpstreamID)
}

func TestLoadFileExtendsBuiltin(t *testing.T) {
	t.Setenv("CHEAP_MODEL_UPSTREAM", "llama-3.1-8b-instant")
	path := filepath.Join(t.TempDir(), "models.yaml")
	body := `
default: house-small
models:
  - id: house-small
    name: House Small
    provider: groq
    upstream_id: ${CHEAP_MODEL_UPSTREAM}
    input_price_per_million: "0.01"
    output_price_per_million: "0.02"
    max_output_tokens: 1024
    context_window: 8192
    tier: budget
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "house-small", c.DefaultID())
	assert.Len(t, c.List(), 11)

	m, err := c.Get("house-small")
	require.NoError(t, err)
	assert.Equal(t, "llama-3.1-8b-instant", m.UpstreamID)
	assert.True(t, m.InputPricePerMillion.Equal(decimal.RequireFromString("0.01")))
}

func TestParseRejectsUnknownProvider(t *testing.T) {
	_, err := Parse([]byte(`
models:
  - id: x
    provider: openrouter
    input_price_per_million: "1"
    output_price_per_million: "1"
    max_output_tokens: 10
`))
	assert.Error(t, err)
}
