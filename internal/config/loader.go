package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the bridge and the CLI.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	ModelPath     string `json:"model_path" yaml:"model_path" toml:"model_path"`
	ContextLength int    `json:"context_length" yaml:"context_length" toml:"context_length"`
	WindowPolicy  string `json:"window_policy" yaml:"window_policy" toml:"window_policy"`
	WindowKeep    int    `json:"window_keep" yaml:"window_keep" toml:"window_keep"`
	SystemPrompt  string `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`

	MaxTokens     int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Temperature   *float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP          float32  `json:"top_p" yaml:"top_p" toml:"top_p"`
	TopK          int      `json:"top_k" yaml:"top_k" toml:"top_k"`
	Seed          uint64   `json:"seed" yaml:"seed" toml:"seed"`
	RepeatPenalty float32  `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	RepeatLastN   int      `json:"repeat_last_n" yaml:"repeat_last_n" toml:"repeat_last_n"`

	Threads        int `json:"threads" yaml:"threads" toml:"threads"`
	GPULayers      int `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	MemoryBudgetMB int `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb"`
	MemoryMarginMB int `json:"memory_margin_mb" yaml:"memory_margin_mb" toml:"memory_margin_mb"`

	TokenCacheDir        string `json:"token_cache_dir" yaml:"token_cache_dir" toml:"token_cache_dir"`
	TokenCacheTTLSeconds int    `json:"token_cache_ttl_seconds" yaml:"token_cache_ttl_seconds" toml:"token_cache_ttl_seconds"`
	HistoryDB            string `json:"history_db" yaml:"history_db" toml:"history_db"`
	MetricsAddr          string `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`

	MaxQueueDepth     int     `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitMS         int     `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`
	EmbeddingMinDelta float32 `json:"embedding_min_delta" yaml:"embedding_min_delta" toml:"embedding_min_delta"`
	LogLevel          string  `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// WithDefaults returns a copy with unspecified fields filled in.
func (c Config) WithDefaults() Config {
	if c.WindowPolicy == "" {
		c.WindowPolicy = "slide"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 512
	}
	if c.Temperature == nil {
		t := float32(0.7)
		c.Temperature = &t
	}
	if c.TopP == 0 {
		c.TopP = 0.9
	}
	if c.TopK == 0 {
		c.TopK = 40
	}
	if c.RepeatPenalty == 0 {
		c.RepeatPenalty = 1.1
	}
	if c.RepeatLastN == 0 {
		c.RepeatLastN = 64
	}
	if c.TokenCacheTTLSeconds == 0 {
		c.TokenCacheTTLSeconds = 1800
	}
	if c.MaxQueueDepth == 0 {
		c.MaxQueueDepth = 32
	}
	if c.MaxWaitMS == 0 {
		c.MaxWaitMS = 30000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

// Validate rejects values the bridge cannot honor.
func (c Config) Validate() error {
	switch c.WindowPolicy {
	case "", "slide", "reject":
	default:
		return fmt.Errorf("window_policy must be slide or reject, got %q", c.WindowPolicy)
	}
	if c.ContextLength < 0 || c.WindowKeep < 0 || c.MaxTokens < 0 {
		return fmt.Errorf("context_length, window_keep and max_tokens must not be negative")
	}
	if c.ContextLength > 0 && c.WindowKeep > c.ContextLength {
		return fmt.Errorf("window_keep %d exceeds context_length %d", c.WindowKeep, c.ContextLength)
	}
	if c.Temperature != nil && *c.Temperature < 0 {
		return fmt.Errorf("temperature must not be negative")
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("top_p must be within [0, 1], got %g", c.TopP)
	}
	if c.EmbeddingMinDelta < 0 || c.EmbeddingMinDelta > 2 {
		return fmt.Errorf("embedding_min_delta must be within [0, 2], got %g", c.EmbeddingMinDelta)
	}
	return nil
}

// MaxWait is MaxWaitMS as a duration.
func (c Config) MaxWait() time.Duration { return time.Duration(c.MaxWaitMS) * time.Millisecond }

// TokenCacheTTL is TokenCacheTTLSeconds as a duration.
func (c Config) TokenCacheTTL() time.Duration {
	return time.Duration(c.TokenCacheTTLSeconds) * time.Second
}
