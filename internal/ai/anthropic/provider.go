package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/internal/config"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

const (
	apiVersion = "2023-06-01"
	maxTokens  = 1024
	system     = "You are an email analysis assistant. Reply with a single JSON object and nothing else."
)

// Provider implements models.AIProvider using the Anthropic messages API.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{cfg: cfg, client: ai.NewHTTPClient()}
}

func (p *Provider) Name() string { return "anthropic" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (p *Provider) AnalyzeItem(ctx context.Context, maskedText, promptTemplate string) (models.ItemAnalysis, error) {
	req := messagesRequest{
		Model:     p.cfg.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages: []message{
			{Role: "user", Content: ai.RenderPrompt(promptTemplate, maskedText)},
		},
		Temperature: 0.3,
	}
	headers := map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": apiVersion,
	}

	u := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	var resp messagesResponse
	if err := ai.PostJSON(ctx, p.client, u, headers, req, &resp); err != nil {
		return models.ItemAnalysis{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return models.ItemAnalysis{}, fmt.Errorf("anthropic messages: %w: no text content (stop reason %q)", ai.ErrInvalidResponse, resp.StopReason)
	}

	return ai.ParseAnalysis(text.String())
}

var _ models.AIProvider = (*Provider)(nil)
