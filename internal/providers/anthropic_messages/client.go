package anthropic_messages

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"payprompt/internal/providers"
)

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	APIVersion     = "2023-06-01"
	name           = "Anthropic"
)

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) Complete(ctx context.Context, req providers.Request) (providers.Completion, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return providers.Completion{}, providers.NewError(name, 0, "API key not configured")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": APIVersion,
	}
	raw, err := providers.PostJSON(ctx, c.cfg.HTTPClient, name, c.cfg.BaseURL+"/messages", headers, messagesRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	}, c.cfg.APIKey)
	if err != nil {
		return providers.Completion{}, err
	}

	var resp messagesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return providers.Completion{}, providers.NewError(name, 0, "decode messages response: "+err.Error())
	}

	text := ""
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			text = block.Text
			break
		}
	}
	if strings.TrimSpace(text) == "" {
		text = providers.NoResponseText
	}

	out := providers.Completion{Text: text}
	if resp.Usage != nil {
		out.InputTokens = resp.Usage.InputTokens
		out.OutputTokens = resp.Usage.OutputTokens
	} else {
		out.UsageEstimated = true
		out.InputTokens = providers.EstimateTokens(req.Prompt)
		out.OutputTokens = providers.EstimateTokens(text)
	}
	return out, nil
}
