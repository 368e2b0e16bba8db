// Package registry builds the named AI providers from configuration and
// resolves them by name.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/kiranshivaraju/mailscope/internal/ai"
	"github.com/kiranshivaraju/mailscope/internal/ai/anthropic"
	"github.com/kiranshivaraju/mailscope/internal/ai/gemini"
	"github.com/kiranshivaraju/mailscope/internal/ai/ollama"
	"github.com/kiranshivaraju/mailscope/internal/ai/openai"
	"github.com/kiranshivaraju/mailscope/internal/ai/vllm"
	"github.com/kiranshivaraju/mailscope/internal/config"
	"github.com/kiranshivaraju/mailscope/pkg/models"
)

// ErrUnknownProvider is returned when a name has no registered provider.
var ErrUnknownProvider = errors.New("unknown ai provider")

// Registry maps provider names to providers. It is read-only after construction.
type Registry struct {
	def       string
	providers map[string]models.AIProvider
	closers   []io.Closer
}

// New returns an empty registry whose default is defaultName.
func New(defaultName string) *Registry {
	return &Registry{def: defaultName, providers: make(map[string]models.AIProvider)}
}

// Register adds p under its Name, replacing any previous provider with that name.
func (r *Registry) Register(p models.AIProvider) {
	r.providers[p.Name()] = p
}

// FromConfig constructs every provider enabled in cfg, each throttled to the
// configured request rate. Called once at server startup.
func FromConfig(ctx context.Context, cfg config.AIConfig) (*Registry, error) {
	r := New(cfg.Provider)
	for _, name := range cfg.Providers() {
		p, err := build(ctx, name, cfg)
		if err != nil {
			r.Close()
			return nil, err
		}
		if c, ok := p.(io.Closer); ok {
			r.closers = append(r.closers, c)
		}
		r.Register(ai.Throttle(p, cfg.RequestsPerSecond, cfg.Burst))
	}
	return r, nil
}

func build(ctx context.Context, name string, cfg config.AIConfig) (models.AIProvider, error) {
	switch name {
	case "gemini":
		return gemini.NewProvider(ctx, cfg.Gemini)
	case "azure":
		return openai.NewAzureProvider(cfg.Azure), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "vllm":
		return vllm.NewProvider(cfg.VLLM), nil
	case "ollama":
		return ollama.NewProvider(cfg.Ollama), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	default:
		return nil, fmt.Errorf("%w %q: must be one of gemini, azure, openai, vllm, ollama, anthropic", ErrUnknownProvider, name)
	}
}

// Get returns the provider registered as name. An empty name selects the default.
func (r *Registry) Get(name string) (models.AIProvider, error) {
	if name == "" {
		name = r.def
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Default returns the name used when callers do not pick a provider.
func (r *Registry) Default() string { return r.def }

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close releases providers holding connections.
func (r *Registry) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
