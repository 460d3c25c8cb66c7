package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Executor ExecutorConfig `toml:"executor"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	BaseURL  string `toml:"base_url"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"` // "sqlite" or "postgres"
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type EngineConfig struct {
	ContextWindowTokens int    `toml:"context_window_tokens"`
	MaxIterations       int    `toml:"max_iterations"`
	TokenizerEncoding   string `toml:"tokenizer_encoding"`
}

type ExecutorConfig struct {
	MaxConcurrentTasks int `toml:"max_concurrent_tasks"`
	// MaxQueuedTasks bounds the pending queue; 0 queues without bound.
	MaxQueuedTasks int `toml:"max_queued_tasks"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8642"},
		LLM:      LLMConfig{Provider: "openai", BaseURL: "https://api.openai.com/v1", Model: "gpt-4o"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "penguin.db"},
		Engine:   EngineConfig{ContextWindowTokens: 128_000, MaxIterations: 20, TokenizerEncoding: "cl100k_base"},
		Executor: ExecutorConfig{MaxConcurrentTasks: 5},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "penguin.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("PENGUIN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PENGUIN_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("PENGUIN_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("PENGUIN_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("PENGUIN_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PENGUIN_POSTGRES_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("PENGUIN_MAX_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Executor.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("PENGUIN_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	return cfg
}
