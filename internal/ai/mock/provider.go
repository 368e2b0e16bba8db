package mock

import (
	"context"
	"sync/atomic"

	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

// MockProvider satisfies models.AIProvider for testing.
type MockProvider struct {
	Name_           string
	AnalyzeItemFunc func(ctx context.Context, maskedText, promptTemplate string) (models.ItemAnalysis, error)

	calls atomic.Int64
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) AnalyzeItem(ctx context.Context, maskedText, promptTemplate string) (models.ItemAnalysis, error) {
	m.calls.Add(1)
	if m.AnalyzeItemFunc != nil {
		return m.AnalyzeItemFunc(ctx, maskedText, promptTemplate)
	}
	return models.ItemAnalysis{}, nil
}

// Calls returns how many times AnalyzeItem has been invoked.
func (m *MockProvider) Calls() int { return int(m.calls.Load()) }

// NewMockProvider returns a MockProvider with sensible default responses.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		AnalyzeItemFunc: func(_ context.Context, _, _ string) (models.ItemAnalysis, error) {
			return models.ItemAnalysis{
				Summary:     "Mock analysis summary for testing",
				RiskLevel:   models.RiskLow,
				Tags:        []string{"mock"},
				KeyFindings: "",
				KeyPoints:   []string{},
			}, nil
		},
	}
}

// NewEchoProvider returns a MockProvider whose summary is the masked text it received.
func NewEchoProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-echo",
		AnalyzeItemFunc: func(_ context.Context, maskedText, _ string) (models.ItemAnalysis, error) {
			return models.ItemAnalysis{
				Summary:   maskedText,
				RiskLevel: models.RiskLow,
				Tags:      []string{},
				KeyPoints: []string{},
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		AnalyzeItemFunc: func(_ context.Context, _, _ string) (models.ItemAnalysis, error) {
			return models.ItemAnalysis{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		AnalyzeItemFunc: func(ctx context.Context, _, _ string) (models.ItemAnalysis, error) {
			<-ctx.Done()
			return models.ItemAnalysis{}, ai.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
