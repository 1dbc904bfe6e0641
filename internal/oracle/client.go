// Package oracle provides the LLM chat backends that drive exploration and
// semantic chat. Every backend renders the role-tagged transcript into its
// provider's wire format; observation turns are presented as tool output
// named after the command tag so the model reads them as query results, not
// as user messages.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rostrum/internal/explore"
)

// Client is the provider-neutral chat surface. Reply satisfies
// explore.Oracle; Complete is the single-shot form used by semantic chat.
type Client interface {
	Reply(ctx context.Context, turns []explore.Turn) (string, error)
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}

// Config holds the construction-time settings for any backend.
type Config struct {
	Provider string // "openai", "gemini", or "ollama"
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
}

// NewClient builds the backend for the configured provider. Ollama serves
// an OpenAI-compatible chat endpoint so it shares that client.
func NewClient(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(cfg), nil
	case "ollama":
		cfg.BaseURL = ollamaChatURL(cfg.BaseURL)
		if cfg.Model == "" {
			cfg.Model = "llama3.1"
		}
		return NewOpenAIClient(cfg), nil
	case "gemini":
		return NewGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}

// ollamaChatURL points the shared client at Ollama's OpenAI-compatible
// surface, which lives under /v1. OLLAMA_HOST conventionally carries the
// bare host URL.
func ollamaChatURL(base string) string {
	if base == "" {
		return "http://localhost:11434/v1"
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}
