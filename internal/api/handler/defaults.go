package handler

import (
	"net/http"

	"github.com/kiranshivaraju/mailscope/internal/api/response"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

// Defaults describes the values a start request falls back to.
type Defaults struct {
	Prompt          string                `json:"prompt"`
	FilterKeywords  []string              `json:"filter_keywords"`
	Concurrency     int                   `json:"concurrency"`
	MaxRetries      int                   `json:"max_retries"`
	AnalysisTypes   []models.AnalysisType `json:"analysis_types"`
	DefaultProvider string                `json:"default_provider"`
	Providers       []string              `json:"providers"`
}

// NewDefaultsHandler returns an http.HandlerFunc for GET /api/v1/batch-analysis/defaults.
func NewDefaultsHandler(d Defaults) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, d)
	}
}
