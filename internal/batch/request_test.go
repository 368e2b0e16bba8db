package batch

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/internal/config"
	"github.com/kiranshivaraju/mailscope/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRequest_Validate(t *testing.T) {
	task := uuid.New()
	tests := []struct {
		name    string
		req     StartRequest
		wantErr string
	}{
		{"minimal", StartRequest{TaskID: task}, ""},
		{"full", StartRequest{TaskID: task, AnalysisType: models.AnalysisTypeSubjectCluster, Concurrency: 20, MaxRetries: 10, FilterKeywords: []string{"a"}}, ""},
		{"missing task", StartRequest{}, "task_id is required"},
		{"concurrency", StartRequest{TaskID: task, Concurrency: 21}, "concurrency must satisfy max=20"},
		{"retries", StartRequest{TaskID: task, MaxRetries: -2}, "max_retries must satisfy min=1"},
		{"type", StartRequest{TaskID: task, AnalysisType: "threads"}, "analysis_type must be one of"},
		{"empty keyword", StartRequest{TaskID: task, FilterKeywords: []string{""}}, "filter_keywords[0] is required"},
		{"long prompt", StartRequest{TaskID: task, Prompt: strings.Repeat("x", 20001)}, "prompt must satisfy max=20000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStartRequest_WithDefaults(t *testing.T) {
	cfg := config.BatchConfig{DefaultConcurrency: 7, DefaultMaxRetries: 2}

	got := StartRequest{TaskID: uuid.New()}.withDefaults(cfg, "gemini")
	assert.Equal(t, models.AnalysisTypeEmail, got.AnalysisType)
	assert.Equal(t, ai.DefaultPromptTemplate, got.Prompt)
	assert.Equal(t, ai.DefaultFilterKeywords, got.FilterKeywords)
	assert.Equal(t, "gemini", got.ModelProvider)
	assert.Equal(t, 7, got.Concurrency)
	assert.Equal(t, 2, got.MaxRetries)

	got.FilterKeywords[0] = "changed"
	assert.NotEqual(t, "changed", ai.DefaultFilterKeywords[0], "defaults must be copied")

	kept := StartRequest{Prompt: "  ", FilterKeywords: []string{}, ModelProvider: "ollama", Concurrency: 1, MaxRetries: 1}.withDefaults(cfg, "gemini")
	assert.Equal(t, ai.DefaultPromptTemplate, kept.Prompt, "blank prompt falls back")
	assert.Empty(t, kept.FilterKeywords)
	assert.NotNil(t, kept.FilterKeywords)
	assert.Equal(t, "ollama", kept.ModelProvider)
	assert.Equal(t, 1, kept.Concurrency)
}
