package openai_compat

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
	GroqBaseURL = "https://api.groq.com/openai/v1"
	XAIBaseURL  = "https://api.x.ai/v1"

	DefaultSystemPrompt = "You are a helpful assistant."
)

type Config struct {
	// Name labels errors, e.g. "Groq" or "xAI".
	Name         string
	BaseURL      string
	APIKey       string
	Headers      map[string]string
	SystemPrompt string
	HTTPClient   *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Name == "" {
		cfg.Name = "openai-compatible"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Client{cfg: cfg}
}

func NewGroq(apiKey string, hc *http.Client) *Client {
	return New(Config{Name: "Groq", BaseURL: GroqBaseURL, APIKey: apiKey, HTTPClient: hc})
}

func NewXAI(apiKey string, hc *http.Client) *Client {
	return New(Config{Name: "xAI", BaseURL: XAIBaseURL, APIKey: apiKey, HTTPClient: hc})
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Complete(ctx context.Context, req providers.Request) (providers.Completion, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return providers.Completion{}, providers.NewError(c.cfg.Name, 0, "API key not configured")
	}
	payload, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.Completion{}, err
	}

	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	for k, v := range c.cfg.Headers {
		headers[k] = strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey)
	}

	body, err := providers.PostJSON(ctx, c.cfg.HTTPClient, c.cfg.Name, endpointURL, headers, payload, c.cfg.APIKey)
	if err != nil {
		return providers.Completion{}, err
	}
	return c.parseChatCompletions(body, req.Prompt)
}

func (c *Client) buildPayload(req providers.Request) (map[string]any, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	messages := []map[string]string{}
	if strings.TrimSpace(c.cfg.SystemPrompt) != "" {
		messages = append(messages, map[string]string{"role": "system", "content": c.cfg.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	return payload, endpointURL, nil
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/completions"
	return u.String(), nil
}

func (c *Client) parseChatCompletions(body []byte, prompt string) (providers.Completion, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Completion{}, providers.NewError(c.cfg.Name, 0, "decode chat completion response: "+err.Error())
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Text
		if text == "" {
			text = anyToText(resp.Choices[0].Message.Content)
		}
	}
	if strings.TrimSpace(text) == "" {
		text = providers.NoResponseText
	}

	out := providers.Completion{Text: text}
	if resp.Usage != nil {
		out.InputTokens = resp.Usage.PromptTokens
		out.OutputTokens = resp.Usage.CompletionTokens
	} else {
		out.UsageEstimated = true
		out.InputTokens = providers.EstimateTokens(prompt)
		out.OutputTokens = providers.EstimateTokens(text)
	}
	return out, nil
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
