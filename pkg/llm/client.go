// Package llm is a minimal OpenAI-compatible chat client plus the two
// single-turn classifiers the supervisor depends on. Classification calls
// are deterministic (temperature 0) and use JSON response mode.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// CLIENT CONFIGURATION
// ============================================================================

// Config configures the chat client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string

	// Timeout bounds one completion call. Classification must be fast;
	// the default is deliberately tight.
	Timeout time.Duration

	Temperature float64
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// ============================================================================
// WIRE TYPES
// ============================================================================

// ChatMessage is one message in a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat selects the completion output mode.
type ResponseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("llm error (%s): %s", e.Type, e.Message)
}

// ============================================================================
// CLIENT
// ============================================================================

// Chatter is the completion contract the classifiers depend on. Tests pass
// fakes.
type Chatter interface {
	Chat(ctx context.Context, messages []ChatMessage) (string, error)
	ChatJSON(ctx context.Context, messages []ChatMessage) (string, error)
}

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a chat client.
func NewClient(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Chat runs one completion and returns the assistant's text.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	return c.complete(ctx, messages, nil)
}

// ChatJSON runs one completion in JSON response mode.
func (c *Client) ChatJSON(ctx context.Context, messages []ChatMessage) (string, error) {
	return c.complete(ctx, messages, &ResponseFormat{Type: "json_object"})
}

func (c *Client) complete(ctx context.Context, messages []ChatMessage, format *ResponseFormat) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:          c.cfg.Model,
		Messages:       messages,
		Temperature:    c.cfg.Temperature,
		ResponseFormat: format,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode completion request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion returned %s: %s", resp.Status, string(raw))
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("failed to decode completion response: %w", err)
	}
	if decoded.Error != nil {
		return "", decoded.Error
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

var _ Chatter = (*Client)(nil)
