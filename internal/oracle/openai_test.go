package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"rostrum/internal/explore"
)

func sampleTurns() []explore.Turn {
	return []explore.Turn{
		{Role: explore.RoleSystem, Content: "you are an analyst"},
		{Role: explore.RoleUser, Content: "how many speeches?"},
		{Role: explore.RoleAssistant, Content: "```sql\nSELECT COUNT(*) FROM speeches;\n```"},
		{Role: explore.RoleObservation, Content: "[(10568)]", CommandIndex: 0},
	}
}

func TestOpenAIReplyRendersTranscript(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("Expected test-key authorization")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"  FINAL ANSWER: 10568  "}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{APIKey: "test-key", Model: "gpt-4o", BaseURL: server.URL})

	reply, err := client.Reply(context.Background(), sampleTurns())
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if reply != "FINAL ANSWER: 10568" {
		t.Errorf("Unexpected reply: %q", reply)
	}

	if captured.Model != "gpt-4o" {
		t.Errorf("Expected model gpt-4o, got %s", captured.Model)
	}
	if len(captured.Messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(captured.Messages))
	}
	wantRoles := []string{"system", "user", "assistant", "function"}
	for i, role := range wantRoles {
		if captured.Messages[i].Role != role {
			t.Errorf("Message %d role = %s, want %s", i, captured.Messages[i].Role, role)
		}
	}
	obs := captured.Messages[3]
	if obs.Name != "sql" {
		t.Errorf("Observation message name = %q, want sql", obs.Name)
	}
	if obs.Content != "[(10568)]" {
		t.Errorf("Observation content = %q", obs.Content)
	}
}

func TestOpenAIRetryOnRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"recovered"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{APIKey: "k", BaseURL: server.URL})

	reply, err := client.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
	if reply != "recovered" {
		t.Errorf("Unexpected reply: %q", reply)
	}
}

func TestOpenAIServerErrorNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{APIKey: "k", BaseURL: server.URL})

	_, err := client.Complete(context.Background(), "", "user")
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestOpenAIEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{APIKey: "k", BaseURL: server.URL})

	_, err := client.Complete(context.Background(), "", "user")
	if err == nil {
		t.Fatal("Expected error for empty choices")
	}
}

func TestOpenAINoAuthHeaderWithoutKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Expected no Authorization header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	// Ollama-style endpoint: no key configured.
	client := NewOpenAIClient(Config{Provider: "ollama", BaseURL: server.URL, Model: "llama3"})

	reply, err := client.Complete(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply != "ok" {
		t.Errorf("Unexpected reply: %q", reply)
	}
}

func TestNewClientProviderSwitch(t *testing.T) {
	c, err := NewClient(Config{Provider: "openai", APIKey: "k"})
	if err != nil {
		t.Fatalf("openai: %v", err)
	}
	if _, ok := c.(*OpenAIClient); !ok {
		t.Errorf("openai provider returned %T", c)
	}

	c, err = NewClient(Config{Provider: "ollama", BaseURL: "http://localhost:11434/v1"})
	if err != nil {
		t.Fatalf("ollama: %v", err)
	}
	if _, ok := c.(*OpenAIClient); !ok {
		t.Errorf("ollama provider returned %T", c)
	}

	c, err = NewClient(Config{Provider: "gemini", APIKey: "k"})
	if err != nil {
		t.Fatalf("gemini: %v", err)
	}
	if _, ok := c.(*GeminiClient); !ok {
		t.Errorf("gemini provider returned %T", c)
	}

	if _, err := NewClient(Config{Provider: "delphi"}); err == nil {
		t.Error("Expected error for unknown provider")
	}
}

func TestOllamaChatURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "http://localhost:11434/v1"},
		{in: "http://localhost:11434", want: "http://localhost:11434/v1"},
		{in: "http://gpu-box:11434/", want: "http://gpu-box:11434/v1"},
		{in: "http://localhost:11434/v1", want: "http://localhost:11434/v1"},
	}
	for _, tt := range tests {
		if got := ollamaChatURL(tt.in); got != tt.want {
			t.Errorf("ollamaChatURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
