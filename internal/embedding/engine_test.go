package embedding

import (
	"math"
	"strings"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []float32
		want    float64
		wantErr bool
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, want: -1},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 1}, want: 0},
		{name: "dimension mismatch", a: []float32{1}, b: []float32{1, 2}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("CosineSimilarity failed: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("similarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewEngineProviderSwitch(t *testing.T) {
	engine, err := NewEngine(Config{Provider: "openai", APIKey: "test-key"})
	if err != nil {
		t.Fatalf("openai engine: %v", err)
	}
	if _, ok := engine.(*OpenAIEngine); !ok {
		t.Errorf("provider openai returned %T, want *OpenAIEngine", engine)
	}

	engine, err = NewEngine(Config{Provider: "ollama"})
	if err != nil {
		t.Fatalf("ollama engine: %v", err)
	}
	if _, ok := engine.(*OllamaEngine); !ok {
		t.Errorf("provider ollama returned %T, want *OllamaEngine", engine)
	}

	if _, err := NewEngine(Config{Provider: "gemini"}); err == nil {
		t.Error("gemini without API key should fail")
	}

	_, err = NewEngine(Config{Provider: "word2vec"})
	if err == nil || !strings.Contains(err.Error(), "unsupported embedding provider") {
		t.Errorf("unknown provider error = %v", err)
	}
}

func TestEngineDimensionDefaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{name: "small model default", cfg: Config{APIKey: "k", Model: "text-embedding-3-small"}, want: 1536},
		{name: "large model default", cfg: Config{APIKey: "k", Model: "text-embedding-3-large"}, want: 3072},
		{name: "explicit override", cfg: Config{APIKey: "k", Model: "text-embedding-3-small", Dimensions: 256}, want: 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewOpenAIEngine(tt.cfg)
			if err != nil {
				t.Fatalf("NewOpenAIEngine failed: %v", err)
			}
			if got := engine.Dimensions(); got != tt.want {
				t.Errorf("Dimensions() = %d, want %d", got, tt.want)
			}
		})
	}
}
