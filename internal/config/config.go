// Package config loads the service configuration: model defaults, the
// character ceilings enforced by the pipeline and aggregator, adapter rate
// limits, and the broadcaster/store tunables. Values come from an optional
// config file layered under environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	EnableCORS bool   `mapstructure:"enable_cors"`
	Debug      bool   `mapstructure:"debug"`
}

// LLMConfig holds the model adapter settings.
type LLMConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	ThinkingModel     string        `mapstructure:"thinking_model"`
	TaskModel         string        `mapstructure:"task_model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	GroundingTool     string        `mapstructure:"grounding_tool"`
	CatalogTTL        time.Duration `mapstructure:"catalog_ttl"`
	DefaultTemperature float64      `mapstructure:"default_temperature"`
}

// SearchConfig holds the web-search adapter settings.
type SearchConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxResults        int           `mapstructure:"max_results"`
	FetchPageContent  bool          `mapstructure:"fetch_page_content"`
}

// LimitsConfig holds the character ceilings enforced during prompt assembly
// and search aggregation.
type LimitsConfig struct {
	PromptChars        int `mapstructure:"prompt_chars"`
	AggregateChars     int `mapstructure:"aggregate_chars"`
	SourceContentChars int `mapstructure:"source_content_chars"`
	QueryChars         int `mapstructure:"query_chars"`
}

// TaskConfig holds the registry and broadcaster tunables.
type TaskConfig struct {
	EvictionGrace    time.Duration `mapstructure:"eviction_grace"`
	IdleResend       time.Duration `mapstructure:"idle_resend"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

// SessionConfig holds the file store settings.
type SessionConfig struct {
	Dir            string `mapstructure:"dir"`
	CleanupDaysOld int    `mapstructure:"cleanup_days_old"`
}

// Config is the root configuration consumed by the core.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Search  SearchConfig  `mapstructure:"search"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Task    TaskConfig    `mapstructure:"task"`
	Session SessionConfig `mapstructure:"session"`
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode cleanly.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads configuration from the given file path (optional, "" skips the
// file), layered under DEEPRESEARCH_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEEPRESEARCH")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.enable_cors", true)
	v.SetDefault("server.debug", false)

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.thinking_model", "gpt-4o")
	v.SetDefault("llm.task_model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.max_retries", 0)
	v.SetDefault("llm.catalog_ttl", 30*time.Minute)
	v.SetDefault("llm.default_temperature", 0.7)

	v.SetDefault("search.base_url", "https://api.tavily.com")
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("search.requests_per_minute", 60)
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.fetch_page_content", false)

	v.SetDefault("limits.prompt_chars", 250000)
	v.SetDefault("limits.aggregate_chars", 240000)
	v.SetDefault("limits.source_content_chars", 80000)
	v.SetDefault("limits.query_chars", 400)

	v.SetDefault("task.eviction_grace", time.Second)
	v.SetDefault("task.idle_resend", 10*time.Second)
	v.SetDefault("task.subscriber_buffer", 64)

	v.SetDefault("session.dir", "~/.deepresearch/sessions")
	v.SetDefault("session.cleanup_days_old", 30)
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Limits.PromptChars <= 0 {
		return fmt.Errorf("limits.prompt_chars must be positive")
	}
	if c.Limits.AggregateChars <= 0 || c.Limits.AggregateChars > c.Limits.PromptChars {
		return fmt.Errorf("limits.aggregate_chars must be in (0, prompt_chars]")
	}
	if c.Limits.SourceContentChars <= 0 {
		return fmt.Errorf("limits.source_content_chars must be positive")
	}
	if c.Limits.QueryChars <= 0 {
		return fmt.Errorf("limits.query_chars must be positive")
	}
	if c.Search.RequestsPerMinute <= 0 {
		return fmt.Errorf("search.requests_per_minute must be positive")
	}
	if c.Task.SubscriberBuffer <= 0 {
		return fmt.Errorf("task.subscriber_buffer must be positive")
	}
	return nil
}
