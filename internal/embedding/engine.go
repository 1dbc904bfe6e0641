// Package embedding generates vector embeddings for speech texts.
// Three backends are supported: any OpenAI-compatible HTTP endpoint,
// Google Gemini via the genai SDK, and a local Ollama server.
package embedding

import (
	"context"
	"fmt"
	"math"

	"rostrum/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, one vector
	// per input in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name returns a provider:model identifier for logs.
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// the backing service is reachable before a long batch run.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "openai", "gemini" or "ollama".
	Provider string

	APIKey  string
	Model   string
	BaseURL string

	// Dimensions overrides the model's default vector size. Zero keeps
	// the per-model default.
	Dimensions int

	// TaskType applies to Gemini only: "SEMANTIC_SIMILARITY",
	// "RETRIEVAL_QUERY", "RETRIEVAL_DOCUMENT", ...
	TaskType string
}

// NewEngine creates an embedding engine for the configured provider.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbed, "NewEngine")
	defer timer.Stop()

	var (
		engine Engine
		err    error
	)
	switch cfg.Provider {
	case "openai", "":
		engine, err = NewOpenAIEngine(cfg)
	case "gemini":
		engine, err = NewGenAIEngine(cfg)
	case "ollama":
		engine, err = NewOllamaEngine(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q (use 'openai', 'gemini' or 'ollama')", cfg.Provider)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbed).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embed("Embedding engine ready: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical direction.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}
