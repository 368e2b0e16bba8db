// Package vllm serves models hosted by a vLLM server through its
// OpenAI-compatible API.
package vllm

import (
	"github.com/kiranshivaraju/mailscope/internal/ai/openai"
	"github.com/kiranshivaraju/mailscope/internal/config"
)

// NewProvider returns a chat completions provider for the configured vLLM server.
func NewProvider(cfg config.VLLMConfig) *openai.Provider {
	return openai.NewCompatibleProvider("vllm", cfg.BaseURL, cfg.Model)
}
