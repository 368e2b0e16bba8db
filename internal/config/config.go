package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the mailscope server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Batch     BatchConfig
	Auth      AuthConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// AIConfig selects the default provider and configures every provider that
// may be requested by name.
type AIConfig struct {
	Provider          string
	Enabled           []string
	RequestsPerSecond float64
	Burst             int
	Gemini            GeminiConfig
	Azure             AzureConfig
	OpenAI            OpenAIConfig
	VLLM              VLLMConfig
	Ollama            OllamaConfig
	Anthropic         AnthropicConfig
}

type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
}

type AzureConfig struct {
	APIKey     string
	Endpoint   string
	Deployment string
	APIVersion string
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// BatchConfig holds orchestrator defaults and per-attempt limits.
type BatchConfig struct {
	DefaultConcurrency int
	DefaultMaxRetries  int
	EmailTimeout       time.Duration
	ClusterTimeout     time.Duration
	TimeoutRetryDelay  time.Duration
	BackoffBase        time.Duration
	MaxContextChars    int
	ClusterMemberLimit int
}

type AuthConfig struct {
	BootstrapAPIKey   string
	RequestsPerMinute int
}

type TelemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string
}

var validProviders = map[string]bool{
	"gemini":    true,
	"azure":     true,
	"openai":    true,
	"vllm":      true,
	"ollama":    true,
	"anthropic": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("MAILSCOPE_PORT", 8080),
			Env:  envString("MAILSCOPE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:          os.Getenv("AI_PROVIDER"),
			Enabled:           envList("AI_PROVIDERS"),
			RequestsPerSecond: envFloat("AI_REQUESTS_PER_SECOND", 0),
			Burst:             envInt("AI_REQUEST_BURST", 1),
			Gemini: GeminiConfig{
				APIKey:      os.Getenv("GEMINI_API_KEY"),
				Model:       envString("GEMINI_MODEL", "gemini-2.0-flash"),
				Temperature: float32(envFloat("GEMINI_TEMPERATURE", 0.3)),
			},
			Azure: AzureConfig{
				APIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
				Endpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
				Deployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
				APIVersion: envString("AZURE_OPENAI_API_VERSION", "2024-06-01"),
			},
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000/v1"),
				Model:   envString("VLLM_MODEL", ""),
			},
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			Anthropic: AnthropicConfig{
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			},
		},
		Batch: BatchConfig{
			DefaultConcurrency: envInt("BATCH_DEFAULT_CONCURRENCY", 5),
			DefaultMaxRetries:  envInt("BATCH_DEFAULT_MAX_RETRIES", 3),
			EmailTimeout:       envDurationSecs("BATCH_EMAIL_TIMEOUT_SECS", 60*time.Second),
			ClusterTimeout:     envDurationSecs("BATCH_CLUSTER_TIMEOUT_SECS", 90*time.Second),
			TimeoutRetryDelay:  envDuration("BATCH_TIMEOUT_RETRY_DELAY", time.Second),
			BackoffBase:        envDuration("BATCH_BACKOFF_BASE", time.Second),
			MaxContextChars:    envInt("BATCH_MAX_CONTEXT_CHARS", 15000),
			ClusterMemberLimit: envInt("BATCH_CLUSTER_MEMBER_LIMIT", 20),
		},
		Auth: AuthConfig{
			BootstrapAPIKey:   os.Getenv("BOOTSTRAP_API_KEY"),
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  envString("OTEL_SERVICE_NAME", "mailscope"),
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Providers returns the default provider followed by any additionally enabled ones, without duplicates.
func (c AIConfig) Providers() []string {
	out := []string{c.Provider}
	seen := map[string]bool{c.Provider: true}
	for _, p := range c.Enabled {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	for _, p := range c.AI.Providers() {
		if !validProviders[p] {
			return fmt.Errorf("AI provider must be one of gemini, azure, openai, vllm, ollama, anthropic; got %q", p)
		}
		if err := c.AI.validateProvider(p); err != nil {
			return err
		}
	}
	if c.AI.RequestsPerSecond < 0 {
		return fmt.Errorf("AI_REQUESTS_PER_SECOND must not be negative")
	}

	if c.Batch.DefaultConcurrency < 1 || c.Batch.DefaultConcurrency > 20 {
		return fmt.Errorf("BATCH_DEFAULT_CONCURRENCY must be between 1 and 20, got %d", c.Batch.DefaultConcurrency)
	}
	if c.Batch.DefaultMaxRetries < 1 || c.Batch.DefaultMaxRetries > 10 {
		return fmt.Errorf("BATCH_DEFAULT_MAX_RETRIES must be between 1 and 10, got %d", c.Batch.DefaultMaxRetries)
	}
	if c.Batch.MaxContextChars <= 0 {
		return fmt.Errorf("BATCH_MAX_CONTEXT_CHARS must be positive")
	}
	if c.Batch.ClusterMemberLimit <= 0 {
		return fmt.Errorf("BATCH_CLUSTER_MEMBER_LIMIT must be positive")
	}

	return nil
}

func (c AIConfig) validateProvider(name string) error {
	switch name {
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when gemini is enabled")
		}
	case "azure":
		if c.Azure.APIKey == "" || c.Azure.Endpoint == "" || c.Azure.Deployment == "" {
			return fmt.Errorf("AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_DEPLOYMENT are required when azure is enabled")
		}
		return requireHTTP("AZURE_OPENAI_ENDPOINT", c.Azure.Endpoint)
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when openai is enabled")
		}
		return requireHTTP("OPENAI_BASE_URL", c.OpenAI.BaseURL)
	case "vllm":
		if c.VLLM.Model == "" {
			return fmt.Errorf("VLLM_MODEL is required when vllm is enabled")
		}
		return requireHTTP("VLLM_BASE_URL", c.VLLM.BaseURL)
	case "ollama":
		return requireHTTP("OLLAMA_BASE_URL", c.Ollama.BaseURL)
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when anthropic is enabled")
		}
		return requireHTTP("ANTHROPIC_BASE_URL", c.Anthropic.BaseURL)
	}
	return nil
}

func requireHTTP(key, val string) error {
	if !strings.HasPrefix(val, "http://") && !strings.HasPrefix(val, "https://") {
		return fmt.Errorf("%s must start with http:// or https://, got %q", key, val)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
