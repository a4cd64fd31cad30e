// Package catalog holds the read-only model price table and the pricing formula.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrUnknownModel = errors.New("unknown model")

type Provider string

const (
	ProviderGroq      Provider = "groq"
	ProviderGoogle    Provider = "google"
	ProviderAnthropic Provider = "anthropic"
	ProviderXAI       Provider = "xai"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderGroq, ProviderGoogle, ProviderAnthropic, ProviderXAI:
		return true
	}
	return false
}

type Tier string

const (
	TierBudget   Tier = "budget"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

const DefaultModelID = "groq-llama-70b"

// PlatformMargin is the flat markup over upstream token prices.
var PlatformMargin = decimal.RequireFromString("1.2")

// Token budget assumed when estimating the cheapest possible request.
const (
	EstimateInputTokens  = 100
	EstimateOutputTokens = 500
)

type Model struct {
	ID                    string
	Name                  string
	Description           string
	Provider              Provider
	UpstreamID            string
	InputPricePerMillion  decimal.Decimal
	OutputPricePerMillion decimal.Decimal
	MaxOutputTokens       int
	ContextWindow         int
	Tier                  Tier
}

// Cost prices a completion at this model's schedule, margin included.
func (m Model) Cost(inputTokens, outputTokens int64) decimal.Decimal {
	in := decimal.New(inputTokens, -6).Mul(m.InputPricePerMillion)
	out := decimal.New(outputTokens, -6).Mul(m.OutputPricePerMillion)
	return in.Add(out).Mul(PlatformMargin)
}

// EstimateMinimum is the conservative floor a balance must cover before dispatch.
func (m Model) EstimateMinimum() decimal.Decimal {
	return m.Cost(EstimateInputTokens, EstimateOutputTokens)
}

type Catalog struct {
	models    map[string]Model
	order     []string
	defaultID string
}

// New builds a catalog from models. defaultID must name one of them.
func New(models []Model, defaultID string) (*Catalog, error) {
	c := &Catalog{models: make(map[string]Model, len(models))}
	for _, m := range models {
		if err := validate(m); err != nil {
			return nil, err
		}
		if _, dup := c.models[m.ID]; !dup {
			c.order = append(c.order, m.ID)
		}
		c.models[m.ID] = m
	}
	if defaultID == "" {
		defaultID = DefaultModelID
	}
	if _, ok := c.models[defaultID]; !ok {
		return nil, fmt.Errorf("default model %q: %w", defaultID, ErrUnknownModel)
	}
	c.defaultID = defaultID
	return c, nil
}

func Default() *Catalog {
	c, err := New(builtin(), DefaultModelID)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Get(id string) (Model, error) {
	m, ok := c.models[id]
	if !ok {
		return Model{}, fmt.Errorf("%q: %w", id, ErrUnknownModel)
	}
	return m, nil
}

// Resolve returns the default model for an empty id.
func (c *Catalog) Resolve(id string) (Model, error) {
	if strings.TrimSpace(id) == "" {
		id = c.defaultID
	}
	return c.Get(id)
}

func (c *Catalog) DefaultID() string { return c.defaultID }

func (c *Catalog) List() []Model {
	out := make([]Model, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}

func (c *Catalog) ByProvider(p Provider) []Model {
	out := make([]Model, 0)
	for _, m := range c.List() {
		if m.Provider == p {
			out = append(out, m)
		}
	}
	return out
}

// ByTier lists models of a tier, cheapest output price first.
func (c *Catalog) ByTier(t Tier) []Model {
	out := make([]Model, 0)
	for _, m := range c.List() {
		if m.Tier == t {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OutputPricePerMillion.LessThan(out[j].OutputPricePerMillion)
	})
	return out
}

func validate(m Model) error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("model id is empty")
	}
	if !m.Provider.Valid() {
		return fmt.Errorf("model %q: unsupported provider %q", m.ID, m.Provider)
	}
	if m.UpstreamID == "" {
		return fmt.Errorf("model %q: upstream id is empty", m.ID)
	}
	if m.InputPricePerMillion.IsNegative() || m.OutputPricePerMillion.IsNegative() {
		return fmt.Errorf("model %q: prices must not be negative", m.ID)
	}
	if m.MaxOutputTokens <= 0 {
		return fmt.Errorf("model %q: max output tokens must be > 0", m.ID)
	}
	return nil
}

type fileModel struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	Provider        string `yaml:"provider"`
	UpstreamID      string `yaml:"upstream_id"`
	InputPrice      string `yaml:"input_price_per_million"`
	OutputPrice     string `yaml:"output_price_per_million"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	ContextWindow   int    `yaml:"context_window"`
	Tier            string `yaml:"tier"`
}

type fileConfig struct {
	Default string      `yaml:"default"`
	Replace bool        `yaml:"replace"`
	Models  []fileModel `yaml:"models"`
}

// LoadFile reads a YAML override. Entries extend or replace the built-in table
// unless replace is set, in which case only the file's models are served.
// Prices are strings so they parse exactly. Environment references are expanded.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

func Parse(data []byte) (*Catalog, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}

	models := builtin()
	if fc.Replace {
		models = nil
	}
	for _, fm := range fc.Models {
		in, err := decimal.NewFromString(fm.InputPrice)
		if err != nil {
			return nil, fmt.Errorf("model %q input price: %w", fm.ID, err)
		}
		out, err := decimal.NewFromString(fm.OutputPrice)
		if err != nil {
			return nil, fmt.Errorf("model %q output price: %w", fm.ID, err)
		}
		upstream := fm.UpstreamID
		if upstream == "" {
			upstream = fm.ID
		}
		models = append(models, Model{
			ID:                    fm.ID,
			Name:                  fm.Name,
			Description:           fm.Description,
			Provider:              Provider(strings.ToLower(fm.Provider)),
			UpstreamID:            upstream,
			InputPricePerMillion:  in,
			OutputPricePerMillion: out,
			MaxOutputTokens:       fm.MaxOutputTokens,
			ContextWindow:         fm.ContextWindow,
			Tier:                  Tier(strings.ToLower(fm.Tier)),
		})
	}
	return New(models, fc.Default)
}
