package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payprompt/internal/providers"
)

func TestCompleteParsesUsageMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))

		var body generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Contents, 1)
		assert.Equal(t, "why is the sky blue", body.Contents[0].Parts[0].Text)
		require.NotNil(t, body.GenerationConfig)
		assert.Equal(t, 8192, body.GenerationConfig.MaxOutputTokens)

		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Rayleigh scattering."}]}}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":4}}`))
	}))
	defer srv.Close()

	c := New("g-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	out, err := c.Complete(context.Background(), providers.Request{Model: "gemini-2.5-flash", Prompt: "why is the sky blue", MaxTokens: 8192})
	require.NoError(t, err)
	assert.Equal(t, "Rayleigh scattering.", out.Text)
	assert.EqualValues(t, 7, out.InputTokens)
	assert.EqualValues(t, 4, out.OutputTokens)
	assert.False(t, out.UsageEstimated)
}

func TestCompleteEstimatesWhenUsageMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"twelve chars"}]}}]}`))
	}))
	defer srv.Close()

	c := New("k", WithBaseURL(srv.URL))
	out, err := c.Complete(context.Background(), providers.Request{Model: "gemini-2.5-pro", Prompt: "123456789"})
	require.NoError(t, err)
	assert.True(t, out.UsageEstimated)
	assert.EqualValues(t, 3, out.InputTokens)
	assert.EqualValues(t, 3, out.OutputTokens)
}

func TestCompleteErrorRedactsKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"API key AIza-secret not valid"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New("AIza-secret", WithBaseURL(srv.URL))
	_, err := c.Complete(context.Background(), providers.Request{Model: "gemini-3-pro-preview", Prompt: "x"})
	require.Error(t, err)

	var pe *providers.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Google", pe.Provider)
	assert.Equal(t, http.StatusBadRequest, pe.Status)
	assert.NotContains(t, pe.Error(), "AIza-secret")
}
