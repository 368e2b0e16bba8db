package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/internal/config"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

// Provider implements models.AIProvider using Ollama's generate API.
type Provider struct {
	cfg    config.OllamaConfig
	client *http.Client
}

func NewProvider(cfg config.OllamaConfig) *Provider {
	return &Provider{cfg: cfg, client: ai.NewHTTPClient()}
}

func (p *Provider) Name() string { return "ollama" }

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (p *Provider) AnalyzeItem(ctx context.Context, maskedText, promptTemplate string) (models.ItemAnalysis, error) {
	req := generateRequest{
		Model:   p.cfg.Model,
		Prompt:  ai.RenderPrompt(promptTemplate, maskedText),
		Stream:  false,
		Format:  "json",
		Options: map[string]any{"temperature": 0.3},
	}

	u := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/generate"
	var resp generateResponse
	if err := ai.PostJSON(ctx, p.client, u, nil, req, &resp); err != nil {
		return models.ItemAnalysis{}, fmt.Errorf("ollama generate: %w", err)
	}
	if resp.Response == "" {
		return models.ItemAnalysis{}, fmt.Errorf("ollama generate: %w: empty response", ai.ErrInvalidResponse)
	}

	return ai.ParseAnalysis(resp.Response)
}

var _ models.AIProvider = (*Provider)(nil)
