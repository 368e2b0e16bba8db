// Package openai implements models.AIProvider over the OpenAI chat completions API.
// The same wire format serves Azure OpenAI deployments and OpenAI-compatible
// servers such as vLLM.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/internal/config"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

const (
	systemPrompt = "You are an email analysis assistant. Reply with a single JSON object."
	temperature  = 0.3
)

// Provider implements models.AIProvider using a chat completions endpoint.
type Provider struct {
	name    string
	url     string
	model   string
	headers map[string]string
	client  *http.Client
}

// NewProvider returns a provider for api.openai.com or any base URL configured for it.
func NewProvider(cfg config.OpenAIConfig) *Provider {
	p := NewCompatibleProvider("openai", cfg.BaseURL, cfg.Model)
	p.headers["Authorization"] = "Bearer " + cfg.APIKey
	return p
}

// NewAzureProvider returns a provider bound to one Azure OpenAI deployment.
// The deployment selects the model, so none is sent in the body.
func NewAzureProvider(cfg config.AzureConfig) *Provider {
	u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(cfg.Endpoint, "/"),
		url.PathEscape(cfg.Deployment),
		url.QueryEscape(cfg.APIVersion))
	return &Provider{
		name:    "azure",
		url:     u,
		headers: map[string]string{"api-key": cfg.APIKey},
		client:  ai.NewHTTPClient(),
	}
}

// NewCompatibleProvider returns an unauthenticated provider for an
// OpenAI-compatible server rooted at baseURL.
func NewCompatibleProvider(name, baseURL, model string) *Provider {
	return &Provider{
		name:    name,
		url:     strings.TrimRight(baseURL, "/") + "/chat/completions",
		model:   model,
		headers: map[string]string{},
		client:  ai.NewHTTPClient(),
	}
}

func (p *Provider) Name() string { return p.name }

// Model returns the model sent with each request, empty for Azure deployments.
func (p *Provider) Model() string { return p.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model,omitempty"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (p *Provider) AnalyzeItem(ctx context.Context, maskedText, promptTemplate string) (models.ItemAnalysis, error) {
	req := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: ai.RenderPrompt(promptTemplate, maskedText)},
		},
		Temperature:    temperature,
		ResponseFormat: responseFormat{Type: "json_object"},
	}

	var resp chatResponse
	if err := ai.PostJSON(ctx, p.client, p.url, p.headers, req, &resp); err != nil {
		return models.ItemAnalysis{}, fmt.Errorf("%s chat completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return models.ItemAnalysis{}, fmt.Errorf("%s chat completion: %w: empty choices", p.name, ai.ErrInvalidResponse)
	}

	return ai.ParseAnalysis(resp.Choices[0].Message.Content)
}

var _ models.AIProvider = (*Provider)(nil)
