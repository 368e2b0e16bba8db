// Package models contains shared data models used across the mailscope codebase.
package models

import "context"

// AIProvider is the capability every AI integration implements.
// Providers are selected by name through the provider registry, never called directly.
type AIProvider interface {
	// AnalyzeItem sends already-masked text to the model using promptTemplate
	// and returns the parsed structured result.
	AnalyzeItem(ctx context.Context, maskedText, promptTemplate string) (ItemAnalysis, error)
	// Name returns the provider identifier (e.g., "gemini", "azure").
	Name() string
}
