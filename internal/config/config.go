// Package config holds rostrum's YAML configuration and its environment
// variable overrides. The config file lives in the rostrum state directory
// (~/.rostrum/config.yaml by default); a missing file means defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all rostrum configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Corpus database
	Corpus CorpusConfig `yaml:"corpus"`

	// Reasoning LLM
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Exploration loop
	Explore ExploreConfig `yaml:"explore"`

	// Interactive chat
	Chat ChatConfig `yaml:"chat"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// CorpusConfig configures the speeches database.
type CorpusConfig struct {
	DatabasePath string `yaml:"database_path"`
	VectorTable  string `yaml:"vector_table"`
	QueryTimeout string `yaml:"query_timeout"`
}

// LLMConfig configures the reasoning oracle.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, gemini, ollama
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // openai, gemini, ollama
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Dimensions int    `yaml:"dimensions"`
	Workers    int    `yaml:"workers"`
}

// ExploreConfig configures the exploration controller.
type ExploreConfig struct {
	MaxAttempts         int `yaml:"max_attempts"`
	MaxCommandsPerTurn  int `yaml:"max_commands_per_turn"`
	MaxObservationBytes int `yaml:"max_observation_bytes"`
}

// ChatConfig configures the interactive chat surface.
type ChatConfig struct {
	TopK  int    `yaml:"top_k"` // speeches retrieved per question
	Theme string `yaml:"theme"` // light, dark, or empty for auto
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "rostrum",
		Version: "0.3.0",

		Corpus: CorpusConfig{
			DatabasePath: "data/un_speeches.db",
			VectorTable:  "speeches_vec",
			QueryTimeout: "30s",
		},

		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o",
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "120s",
		},

		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			BaseURL:    "https://api.openai.com/v1",
			Dimensions: 1536,
			Workers:    4,
		},

		Explore: ExploreConfig{
			MaxAttempts:         5,
			MaxCommandsPerTurn:  16,
			MaxObservationBytes: 16384,
		},

		Chat: ChatConfig{
			TopK: 2,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// StateDir returns the rostrum state directory (~/.rostrum).
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rostrum"
	}
	return filepath.Join(home, ".rostrum")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(StateDir(), "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields defaults;
// environment variables override either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. GEMINI_API_KEY
// switches the providers to gemini, OPENAI_API_KEY wins over it, and
// OLLAMA_HOST is a key-free fallback used only when neither key is set.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = key
			c.Embedding.Provider = "gemini"
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
		c.Embedding.APIKey = key
		c.Embedding.Provider = "openai"
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" && c.LLM.APIKey == "" {
		// Switching provider invalidates the configured model names, so
		// clear them and let each engine pick its local default.
		if c.LLM.Provider != "ollama" {
			c.LLM.Provider = "ollama"
			c.LLM.Model = ""
		}
		c.LLM.BaseURL = host
		if c.Embedding.APIKey == "" {
			if c.Embedding.Provider != "ollama" {
				c.Embedding.Provider = "ollama"
				c.Embedding.Model = ""
				c.Embedding.Dimensions = 0
			}
			c.Embedding.BaseURL = host
		}
	}
	if path := os.Getenv("ROSTRUM_DB"); path != "" {
		c.Corpus.DatabasePath = path
	}
}

// GetLLMTimeout returns the oracle timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetQueryTimeout returns the per-query corpus timeout as a duration.
func (c *Config) GetQueryTimeout() time.Duration {
	d, err := time.ParseDuration(c.Corpus.QueryTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ValidProviders lists all supported LLM/embedding providers.
var ValidProviders = []string{"openai", "gemini", "ollama"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Corpus.DatabasePath == "" {
		return fmt.Errorf("corpus database path not configured (set corpus.database_path or ROSTRUM_DB)")
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	if c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set OPENAI_API_KEY or GEMINI_API_KEY)")
	}
	return nil
}
