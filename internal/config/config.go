// Package config loads mdtrans settings from defaults, an optional config
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/valpere/mdtrans/internal/pipeline"
	"github.com/valpere/mdtrans/internal/pool"
	"github.com/valpere/mdtrans/internal/segmenter"
	"github.com/valpere/mdtrans/internal/translator"
	"github.com/valpere/mdtrans/internal/validator"
)

// ErrInvalid wraps every validation error.
var ErrInvalid = errors.New("invalid configuration")

const EnvPrefix = "MDTRANS"

type Config struct {
	API        translator.Config `mapstructure:"api" yaml:"api" json:"api"`
	Chunk      segmenter.Options `mapstructure:"chunk" yaml:"chunk" json:"chunk"`
	Pool       pool.Config       `mapstructure:"pool" yaml:"pool" json:"pool"`
	Validation validator.Options `mapstructure:"validate" yaml:"validate" json:"validate"`
	Translate  Translate         `mapstructure:"translate" yaml:"translate" json:"translate"`
	Store      Store             `mapstructure:"store" yaml:"store" json:"store"`
	Log        Log               `mapstructure:"log" yaml:"log" json:"log"`
}

type Translate struct {
	SourceLang    string `mapstructure:"source_lang" yaml:"source_lang" json:"source_lang"`
	TargetLang    string `mapstructure:"target_lang" yaml:"target_lang" json:"target_lang"`
	ProtectInline bool   `mapstructure:"protect_inline" yaml:"protect_inline" json:"protect_inline"`
	Refine        bool   `mapstructure:"refine" yaml:"refine" json:"refine"`
	// ContextWords trailing words of the previous chunk are shown with each
	// chunk; zero disables.
	ContextWords int `mapstructure:"context_words" yaml:"context_words" json:"context_words" jsonschema:"minimum=0"`
}

type Store struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
}

type Log struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `mapstructure:"format" yaml:"format" json:"format" jsonschema:"enum=text,enum=json"`
}

var defaults = map[string]any{
	"api.backend":             "openai",
	"api.base_url":            translator.DefaultBaseURL,
	"api.token":               "",
	"api.model":               translator.DefaultModel,
	"api.timeout":             translator.DefaultTimeout,
	"api.temperature":         translator.DefaultTemperature,
	"api.max_tokens":          translator.DefaultMaxTokens,
	"api.requests_per_minute": 0,
	"api.credentials":         "",
	"api.project_id":          "",

	"chunk.target_lines": segmenter.DefaultTargetLines,
	"chunk.min_lines":    segmenter.DefaultMinLines,
	"chunk.max_lines":    segmenter.DefaultMaxLines,
	"chunk.window":       segmenter.DefaultWindow,

	"pool.concurrency": pool.DefaultConcurrency,
	"pool.max_retries": pool.DefaultMaxRetries,
	"pool.base_delay":  pool.DefaultBaseDelay,
	"pool.max_delay":   pool.DefaultMaxDelay,
	"pool.jitter":      false,

	"validate.line_tolerance": validator.DefaultLineTolerance,
	"validate.check_fences":   true,
	"validate.check_links":    true,
	"validate.check_headings": true,
	"validate.check_language": false,

	"translate.source_lang":    "auto",
	"translate.target_lang":    "zh",
	"translate.protect_inline": false,
	"translate.context_words":  0,
	"translate.refine":         false,

	"store.enabled": true,
	"store.path":    "./data/mdtrans.db",

	"log.level":  "info",
	"log.format": "text",
}

// legacyEnv maps keys to the short variable names accepted alongside the
// MDTRANS_ prefixed ones.
var legacyEnv = map[string]string{
	"api.token":    "TRANSLATE_API_TOKEN",
	"api.base_url": "TRANSLATE_API",
	"api.model":    "TRANSLATE_MODEL",
}

// Load resolves the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		// the prefixed name still wins when both are set
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.API.Backend {
	case "openai", "openrouter":
		if c.API.APIKey == "" {
			return fmt.Errorf("%w: api.token is required for the %s backend", ErrInvalid, c.API.Backend)
		}
	case "ollama", "google":
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.API.Backend)
	}
	if c.API.RequestsPerMinute < 0 {
		return fmt.Errorf("%w: api.requests_per_minute is negative", ErrInvalid)
	}
	if err := c.Chunk.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Pool.Concurrency < 1 || c.Pool.Concurrency > pool.MaxConcurrency {
		return fmt.Errorf("%w: pool.concurrency %d outside [1, %d]", ErrInvalid, c.Pool.Concurrency, pool.MaxConcurrency)
	}
	if c.Pool.MaxRetries < 0 {
		return fmt.Errorf("%w: pool.max_retries is negative", ErrInvalid)
	}
	if c.Pool.BaseDelay <= 0 || c.Pool.BaseDelay > c.Pool.MaxDelay {
		return fmt.Errorf("%w: pool.base_delay %s must be positive and not above pool.max_delay %s", ErrInvalid, c.Pool.BaseDelay, c.Pool.MaxDelay)
	}
	if c.Validation.LineTolerance <= 0 || c.Validation.LineTolerance >= 1 {
		return fmt.Errorf("%w: validate.line_tolerance %.2f outside (0, 1)", ErrInvalid, c.Validation.LineTolerance)
	}
	if c.Translate.TargetLang == "" || c.Translate.TargetLang == "auto" {
		return fmt.Errorf("%w: translate.target_lang must name a language", ErrInvalid)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// Masked returns a copy safe to print.
func (c Config) Masked() Config {
	if c.API.APIKey != "" {
		c.API.APIKey = mask(c.API.APIKey)
	}
	return c
}

func mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}

// Pipeline converts the settings for one run. sourceLang is the resolved
// source language, after any auto-detection.
func (c *Config) Pipeline(sourceLang string, glossary map[string]string) pipeline.Config {
	return pipeline.Config{
		Segment:           c.Chunk,
		Pool:              c.Pool,
		Validate:          c.Validation,
		SourceLang:        sourceLang,
		TargetLang:        c.Translate.TargetLang,
		Model:             c.API.Model,
		Glossary:          glossary,
		ProtectInline:     c.Translate.ProtectInline,
		Refine:            c.Translate.Refine,
		ContextWords:      c.Translate.ContextWords,
		RequestsPerMinute: c.API.RequestsPerMinute,
	}
}
