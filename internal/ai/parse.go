package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/mailscope/pkg/models"
)

const maxFieldBytes = 4000

// rawAnalysis tolerates the loose shapes models produce: string or list
// key_findings and missing slices.
type rawAnalysis struct {
	Summary     string          `json:"summary"`
	RiskLevel   string          `json:"risk_level"`
	Tags        []string        `json:"tags"`
	KeyFindings json.RawMessage `json:"key_findings"`
	KeyPoints   []string        `json:"key_points"`
}

// ParseAnalysis extracts the JSON object from a model reply and normalizes it.
// Returns ErrInvalidResponse when no decodable object is present.
func ParseAnalysis(raw string) (models.ItemAnalysis, error) {
	body := stripCodeFence(raw)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return models.ItemAnalysis{}, fmt.Errorf("%w: no JSON object in reply", ErrInvalidResponse)
	}

	var r rawAnalysis
	if err := json.Unmarshal([]byte(body[start:end+1]), &r); err != nil {
		return models.ItemAnalysis{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	out := models.ItemAnalysis{
		Summary:     truncateString(strings.TrimSpace(r.Summary), maxFieldBytes),
		RiskLevel:   NormalizeRisk(r.RiskLevel),
		Tags:        nonNil(r.Tags),
		KeyFindings: truncateString(findingsText(r.KeyFindings), maxFieldBytes),
		KeyPoints:   nonNil(r.KeyPoints),
	}
	return out, nil
}

// FallbackAnalysis is the result recorded when analysis could not produce a usable reply.
func FallbackAnalysis(err error) models.ItemAnalysis {
	return models.ItemAnalysis{
		Summary:     "analysis failed",
		RiskLevel:   models.RiskLow,
		Tags:        []string{},
		KeyFindings: truncateString(fmt.Sprintf("Error: %v", err), maxFieldBytes),
		KeyPoints:   []string{},
	}
}

// NormalizeRisk maps the levels models emit (English or Chinese) onto low/medium/high.
// Unrecognized values become low.
func NormalizeRisk(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "high", "高", "高风险":
		return models.RiskHigh
	case "medium", "moderate", "中", "中风险":
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func findingsText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return strings.TrimSpace(string(raw))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
