package translator

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultModel       = "qwen/qwen-2.5-72b-instruct"
	DefaultTimeout     = 120 * time.Second
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 8000
)

// Config selects and parameterises a backend.
type Config struct {
	Backend           string        `mapstructure:"backend" yaml:"backend" json:"backend" jsonschema:"enum=openai,enum=ollama,enum=google"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	APIKey            string        `mapstructure:"token" yaml:"token" json:"token"`
	Model             string        `mapstructure:"model" yaml:"model" json:"model"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	Temperature       float64       `mapstructure:"temperature" yaml:"temperature" json:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens" json:"max_tokens"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	Credentials       string        `mapstructure:"credentials" yaml:"credentials" json:"credentials"`
	ProjectID         string        `mapstructure:"project_id" yaml:"project_id" json:"project_id"`
}

// Request is one completion call. LLM backends send System and Prompt;
// machine translation backends translate Text directly.
type Request struct {
	System     string
	Prompt     string
	Text       string
	SourceLang string
	TargetLang string
	Model      string
}

// Backend performs a single blocking completion. Failures should be
// returned as *Error so the caller can classify them.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// New builds the backend named in cfg.Backend.
func New(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", "openai", "openrouter":
		return NewOpenAIBackend(cfg), nil
	case "ollama":
		return NewOllamaBackend(cfg.BaseURL, cfg.Timeout), nil
	case "google":
		return NewGoogleBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
