package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/config"
)

// ChatMessage is one turn of a chat completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is an OpenAI-compatible completion request
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// Usage reports token consumption for one request
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is an OpenAI-compatible completion response
type ChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to an OpenAI-compatible gateway
type Client struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient builds the gateway client from config
func NewClient(cfg config.LLMConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
		log: config.NewLogger("oracle"),
	}
}

// Complete sends one chat completion request
func (c *Client) Complete(ctx context.Context, messages []ChatMessage) (*ChatResponse, error) {
	request := ChatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err != nil || errResp.Error.Message == "" {
			return nil, fmt.Errorf("gateway error (status %d): %s", resp.StatusCode, string(respBody))
		}
		return nil, fmt.Errorf("gateway error: %s", errResp.Error.Message)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.log.Debug().
		Str("model", chatResp.Model).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("Completion finished")
	return &chatResp, nil
}

// CompleteWithSystem runs a system+user exchange and returns the
// first choice's content with its usage
func (c *Client) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	resp, err := c.Complete(ctx, []ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	})
	if err != nil {
		return "", Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", resp.Usage, fmt.Errorf("no choices in completion response")
	}
	return resp.Choices[0].Message.Content, resp.Usage, nil
}

// CostUSD prices a usage record with the configured per-token rates
func (c *Client) CostUSD(u Usage) float64 {
	return float64(u.PromptTokens)/1e6*c.cfg.InputCostPerMTok +
		float64(u.CompletionTokens)/1e6*c.cfg.OutputCostPerMTok
}

// extractJSON strips a markdown code fence if the model wrapped its
// JSON in one
func extractJSON(content string) string {
	if idx := strings.Index(content, "```json"); idx >= 0 {
		content = content[idx+7:]
	} else if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
	}
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[:idx]
	}
	return strings.TrimSpace(content)
}
