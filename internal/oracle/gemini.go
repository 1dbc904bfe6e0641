package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"rostrum/internal/explore"
	"rostrum/internal/logging"
)

// GeminiClient talks to the Gemini generateContent REST API.
type GeminiClient struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// NewGeminiClient creates a Gemini chat client.
func NewGeminiClient(cfg Config) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &GeminiClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// renderContents maps the transcript to Gemini's two-role content list. The
// system turn becomes the systemInstruction; observations ride as user-role
// parts prefixed with the command tag since Gemini has no tool role for
// plain text exchanges.
func renderContents(turns []explore.Turn) (*geminiContent, []geminiContent) {
	var system *geminiContent
	contents := make([]geminiContent, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case explore.RoleSystem:
			system = &geminiContent{Parts: []geminiPart{{Text: turn.Content}}}
		case explore.RoleUser:
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: turn.Content}},
			})
		case explore.RoleAssistant:
			contents = append(contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: turn.Content}},
			})
		case explore.RoleObservation:
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: fmt.Sprintf("[%s result]\n%s", explore.DefaultCommandTag, turn.Content)}},
			})
		}
	}
	return system, contents
}

// Reply produces the next assistant utterance for the transcript.
func (c *GeminiClient) Reply(ctx context.Context, turns []explore.Turn) (string, error) {
	system, contents := renderContents(turns)
	return c.send(ctx, system, contents)
}

// Complete sends a single system+user exchange.
func (c *GeminiClient) Complete(ctx context.Context, system, user string) (string, error) {
	var sys *geminiContent
	if system != "" {
		sys = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	contents := []geminiContent{{Role: "user", Parts: []geminiPart{{Text: user}}}}
	return c.send(ctx, sys, contents)
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string {
	return c.model
}

func (c *GeminiClient) send(ctx context.Context, system *geminiContent, contents []geminiContent) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.OracleDebug("[Gemini] send: model=%s contents=%d", c.model, len(contents))

	// Rate limiting
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	reqBody := geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig: geminiGenerationConfig{
			Temperature:     0.1,
			MaxOutputTokens: 4096,
		},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var parsed geminiResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if parsed.Error != nil {
			return "", fmt.Errorf("API error: %s", parsed.Error.Message)
		}
		if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
			return "", fmt.Errorf("no completion returned")
		}

		var sb strings.Builder
		for _, part := range parsed.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
		reply := strings.TrimSpace(sb.String())
		logging.Oracle("[Gemini] send: completed in %v reply_len=%d", time.Since(startTime), len(reply))
		return reply, nil
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}
