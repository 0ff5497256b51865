// Package gateway performs the single outbound call to the configured AI
// completion endpoint and normalizes its response. Calls are all-or-nothing:
// a failed call is never retried here.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sacha-l/ResearchOS/internal/storage"
)

const (
	// maxResponseBytes bounds how much of the provider response is read.
	maxResponseBytes = 10 * 1024
	defaultTimeout   = 60 * time.Second

	systemPrompt = "You are a helpful research assistant. Provide accurate, " +
		"well-researched, and comprehensive answers to research questions. " +
		"Include relevant sources and references when possible."
)

// ErrEmptyResponse is returned when the provider answers 200 with no choices.
var ErrEmptyResponse = errors.New("no choices in AI response")

// UpstreamStatusError is returned for any non-200 provider status.
type UpstreamStatusError struct {
	Status int
	Body   string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("AI service returned status %d: %s", e.Status, e.Body)
}

// Result is the normalized outcome of a successful completion call.
type Result struct {
	Content     string    `json:"-"`
	Model       string    `json:"model"`
	TokensUsed  int       `json:"tokens_used"`
	LatencyMs   int64     `json:"latency_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// Client issues chat-completion requests against an OpenAI-compatible endpoint.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a Client with the given per-call time budget.
// A non-positive timeout falls back to 60s.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// chatRequest is the JSON body for the provider's chat completions endpoint.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse mirrors the provider's completion response.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends question to the endpoint in cfg and returns the normalized
// result. The response read is capped at 10KB and the whole call at the
// client's time budget; exceeding either fails the call.
func (c *Client) Complete(ctx context.Context, question string, cfg storage.AIServiceConfig) (*Result, error) {
	body, err := json.Marshal(chatRequest{
		Model: cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: question},
		},
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ResearchOS/1.0")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	latency := time.Since(start)

	if len(respBody) > maxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d byte limit", maxResponseBytes)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamStatusError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing AI response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	return &Result{
		Content:     parsed.Choices[0].Message.Content,
		Model:       parsed.Model,
		TokensUsed:  parsed.Usage.TotalTokens,
		LatencyMs:   latency.Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}, nil
}
