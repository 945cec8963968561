package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNoChoices is returned when the endpoint answers without any choice.
var ErrNoChoices = errors.New("model returned no choices")

// OpenAIConfig configures an OpenAI-compatible chat completions client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Defaults to 60s.
	Timeout time.Duration
	// Zero disables client-side throttling.
	RequestsPerMinute int
	// Defaults to 2m.
	MaxRetryElapsed time.Duration
}

// OpenAIClient talks to /v1/chat/completions on an OpenAI-compatible endpoint.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

// HTTPError is a non-2xx response from the endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("chat completion failed: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// NewOpenAIClient builds a client; a nil logger is replaced with a no-op one.
func NewOpenAIClient(cfg OpenAIConfig, logger *zap.Logger) *OpenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = 2 * time.Minute
	}

	c := &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("llm"),
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = c.cfg.MaxRetryElapsed
		b.MaxInterval = 30 * time.Second
		return b
	}
	return c
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	Tools       []FunctionDef `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Complete sends one chat completion request, retrying transient failures.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body := chatRequest{
		Model:       c.cfg.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		body.Tools = req.Tools
		body.ToolChoice = "auto"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	var out *Response

	operation := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("Network error during completion, retrying", zap.Error(err))
			return fmt.Errorf("failed to execute request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 400 {
			httpErr := &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
			if httpErr.Retryable() {
				c.logger.Warn("Transient completion error, retrying", zap.Int("status", resp.StatusCode))
				return httpErr
			}
			return backoff.Permanent(httpErr)
		}

		var decoded chatResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		if len(decoded.Choices) == 0 {
			return backoff.Permanent(ErrNoChoices)
		}

		choice := decoded.Choices[0]
		if choice.Message.Role == "" {
			choice.Message.Role = RoleAssistant
		}
		out = &Response{Message: choice.Message, FinishReason: choice.FinishReason, Usage: decoded.Usage}

		c.logger.Debug("Completion finished",
			zap.Duration("duration", time.Since(start)),
			zap.String("finish_reason", choice.FinishReason),
			zap.Int("tool_calls", len(choice.Message.ToolCalls)),
			zap.Int("total_tokens", decoded.Usage.TotalTokens),
		)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}
