package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 4 << 20

// PostJSON sends payload and returns the raw 2xx body. Transport failures and
// non-2xx statuses come back as *ProviderError named after provider. redact is
// scrubbed from any detail that echoes the request.
func PostJSON(ctx context.Context, hc *http.Client, provider, url string, headers map[string]string, payload any, redact string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(provider, 0, scrub(fmt.Sprintf("build request: %v", err), redact))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, NewError(provider, 0, scrub(fmt.Sprintf("request failed: %v", err), redact))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NewError(provider, resp.StatusCode, "read response body: "+err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewError(provider, resp.StatusCode, scrub(strings.TrimSpace(string(respBody)), redact))
	}
	return respBody, nil
}

func scrub(s, secret string) string {
	if strings.TrimSpace(secret) == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "<redacted>")
}
