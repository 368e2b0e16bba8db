// Package gemini implements models.AIProvider on the Google Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/internal/config"
	"github.com/kiranshivaraju/mailscope/pkg/models"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Provider implements models.AIProvider using Gemini with JSON output.
type Provider struct {
	client *genai.Client
	model  generator
}

// NewProvider creates a Gemini client. Extra options are appended after the API key.
func NewProvider(ctx context.Context, cfg config.GeminiConfig, opts ...option.ClientOption) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SetTemperature(cfg.Temperature)
	model.ResponseMIMEType = "application/json"

	return &Provider{client: client, model: model}, nil
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) AnalyzeItem(ctx context.Context, maskedText, promptTemplate string) (models.ItemAnalysis, error) {
	resp, err := p.model.GenerateContent(ctx, genai.Text(ai.RenderPrompt(promptTemplate, maskedText)))
	if err != nil {
		return models.ItemAnalysis{}, fmt.Errorf("gemini generate: %w", classify(err))
	}

	text, err := extractText(resp)
	if err != nil {
		return models.ItemAnalysis{}, fmt.Errorf("gemini generate: %w", err)
	}
	return ai.ParseAnalysis(text)
}

// Close releases the underlying client connection.
func (p *Provider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates in response", ai.ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no content in response", ai.ErrInvalidResponse)
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no text parts in response", ai.ErrInvalidResponse)
	}

	return strings.Join(parts, ""), nil
}

func classify(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return fmt.Errorf("%w: %v", ai.ErrInvalidResponse, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %v", ai.ErrInferenceTimeout, err)
		default:
			return fmt.Errorf("%w: %v", ai.ErrProviderUnavailable, err)
		}
	}

	return ai.ClassifyError(err)
}

var _ models.AIProvider = (*Provider)(nil)
