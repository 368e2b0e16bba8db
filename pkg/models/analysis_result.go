package models

import (
	"time"

	"github.com/google/uuid"
)

// ResultCategoryBatchSummary is the analysis type under which per-email batch results are stored.
const ResultCategoryBatchSummary = "batch_summary"

// Risk levels accepted in ItemAnalysis.RiskLevel.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// ItemAnalysis is the structured output of the AI provider for one item.
type ItemAnalysis struct {
	Summary     string   `json:"summary"`
	RiskLevel   string   `json:"risk_level"`
	Tags        []string `json:"tags"`
	KeyFindings string   `json:"key_findings"`
	KeyPoints   []string `json:"key_points"`
}

// AnalysisResult is a persisted per-email analysis.
// Unique on (EmailID, AnalysisType, ModelProvider). A Fallback result holds the
// placeholder written when the provider gave no usable answer; it never
// replaces a real result and does not mark the email as analyzed.
type AnalysisResult struct {
	ID            uuid.UUID    `db:"id"             json:"id"`
	TaskID        uuid.UUID    `db:"task_id"        json:"task_id"`
	EmailID       int64        `db:"email_id"       json:"email_id"`
	AnalysisType  string       `db:"analysis_type"  json:"analysis_type"`
	ModelProvider string       `db:"model_provider" json:"model_provider"`
	Result        ItemAnalysis `db:"result"         json:"result"`
	Fallback      bool         `db:"fallback"       json:"fallback"`
	AnalyzedAt    time.Time    `db:"analyzed_at"    json:"analyzed_at"`
}

// ClusterInsight is a persisted per-cluster analysis.
// Unique on (TaskID, ClusterType, ClusterKey).
type ClusterInsight struct {
	ID          uuid.UUID    `db:"id"           json:"id"`
	TaskID      uuid.UUID    `db:"task_id"      json:"task_id"`
	ClusterType ClusterKind  `db:"cluster_type" json:"cluster_type"`
	ClusterKey  string       `db:"cluster_key"  json:"cluster_key"`
	Insight     ItemAnalysis `db:"ai_insight"   json:"ai_insight"`
	Model       string       `db:"model"        json:"model"`
	UpdatedAt   time.Time    `db:"updated_at"   json:"updated_at"`
}
