package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/internal/ai/openai"
	"github.com/kiranshivaraju/mailscope/internal/config"
	"github.com/kiranshivaraju/mailscope/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, status int, content string, inspect func(r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if inspect != nil {
			inspect(r, body)
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
				},
			})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProvider_OpenAI(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"summary":"ok","risk_level":"high","tags":["a"]}`, func(r *http.Request, body map[string]any) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])

		msgs := body["messages"].([]any)
		require.Len(t, msgs, 2)
		user := msgs[1].(map[string]any)
		assert.Equal(t, "Check: <EMAIL_001>", user["content"])
	})

	p := openai.NewProvider(config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o-mini", BaseURL: srv.URL + "/v1/"})
	assert.Equal(t, "openai", p.Name())

	got, err := p.AnalyzeItem(context.Background(), "<EMAIL_001>", "Check: {content}")
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Summary)
	assert.Equal(t, models.RiskHigh, got.RiskLevel)
}

func TestProvider_Azure(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"summary":"azure"}`, func(r *http.Request, body map[string]any) {
		assert.Equal(t, "/openai/deployments/gpt4o/chat/completions", r.URL.Path)
		assert.Equal(t, "2024-06-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "az-key", r.Header.Get("api-key"))
		_, hasModel := body["model"]
		assert.False(t, hasModel)
	})

	p := openai.NewAzureProvider(config.AzureConfig{
		APIKey: "az-key", Endpoint: srv.URL + "/", Deployment: "gpt4o", APIVersion: "2024-06-01",
	})
	assert.Equal(t, "azure", p.Name())

	got, err := p.AnalyzeItem(context.Background(), "text", ai.DefaultPromptTemplate)
	require.NoError(t, err)
	assert.Equal(t, "azure", got.Summary)
}

func TestProvider_Compatible(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"summary":"local"}`, func(r *http.Request, body map[string]any) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "mistral-7b", body["model"])
	})

	p := openai.NewCompatibleProvider("vllm", srv.URL, "mistral-7b")
	got, err := p.AnalyzeItem(context.Background(), "text", "{content}")
	require.NoError(t, err)
	assert.Equal(t, "local", got.Summary)
	assert.Equal(t, "mistral-7b", p.Model())
}

func TestProvider_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		content string
		want    error
	}{
		{"rate limited", http.StatusTooManyRequests, "", ai.ErrProviderUnavailable},
		{"server error", http.StatusInternalServerError, "", ai.ErrProviderUnavailable},
		{"empty content", http.StatusOK, "", ai.ErrInvalidResponse},
		{"not json", http.StatusOK, "I cannot help with that.", ai.ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, tt.status, tt.content, nil)
			p := openai.NewCompatibleProvider("openai", srv.URL, "m")

			_, err := p.AnalyzeItem(context.Background(), "text", "{content}")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
