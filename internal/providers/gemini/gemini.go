package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payprompt/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	name           = "Google"
)

// Client is the Gemini generateContent adapter.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ providers.Provider = (*Client)(nil)

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Client) Complete(ctx context.Context, req providers.Request) (providers.Completion, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return providers.Completion{}, providers.NewError(name, 0, "API key not configured")
	}

	body := generateRequest{
		Contents: []content{{Parts: []part{{Text: req.Prompt}}}},
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &generationConfig{MaxOutputTokens: req.MaxTokens}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, url.PathEscape(req.Model), url.QueryEscape(c.apiKey))
	raw, err := providers.PostJSON(ctx, c.httpClient, name, endpoint, nil, body, c.apiKey)
	if err != nil {
		return providers.Completion{}, err
	}

	var resp generateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return providers.Completion{}, providers.NewError(name, 0, "decode generateContent response: "+err.Error())
	}

	text := ""
	if len(resp.Candidates) > 0 && len(resp.Candidates[0].Content.Parts) > 0 {
		text = resp.Candidates[0].Content.Parts[0].Text
	}
	if strings.TrimSpace(text) == "" {
		text = providers.NoResponseText
	}

	out := providers.Completion{
		Text:         text,
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
	}
	// Gemini sometimes omits usage on short or filtered answers.
	if out.InputTokens == 0 {
		out.InputTokens = providers.EstimateTokens(req.Prompt)
		out.UsageEstimated = true
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = providers.EstimateTokens(text)
		out.UsageEstimated = true
	}
	return out, nil
}
