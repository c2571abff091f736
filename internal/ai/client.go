// Package ai 调用 OpenAI 兼容的 chat completions 接口
package ai

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

	"go.uber.org/zap"

	"ezreply/pkg/circuitbreaker"
	"ezreply/pkg/config"
	"ezreply/pkg/metrics"
	"ezreply/pkg/otel"
	"ezreply/pkg/trace"
)

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse 接口返回了 200 但没有任何 choice
var ErrEmptyResponse = errors.New("ai: empty completion")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request 一次补全请求，Purpose 仅用于指标和日志
type Request struct {
	Purpose     string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Completer 文本补全能力
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Client OpenAI 兼容实现，带熔断
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	cb         *circuitbreaker.Breaker
	logger     *zap.Logger
}

func NewClient(cfg config.AIConfig, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 1,
	}, circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("AI circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}))

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
		cb:         cb,
		logger:     logger,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete 返回第一个 choice 的文本
// 熔断打开时直接返回 circuitbreaker.ErrOpen
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := otel.StartSpan(ctx, "ai.complete "+req.Purpose)
	var text string
	start := time.Now()

	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		text, callErr = c.call(ctx, req)
		return callErr
	})

	status := "success"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
	}
	metrics.RecordAICallLatency(req.Purpose, status, time.Since(start))
	otel.End(span, err)

	if err != nil {
		return "", fmt.Errorf("ai %s: %w", req.Purpose, err)
	}
	return text, nil
}

func (c *Client) call(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		httpReq.Header.Set(trace.HeaderName(), traceID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var parsed chatResponse
	decodeErr := json.Unmarshal(respBody, &parsed)

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			return "", fmt.Errorf("ai service error (%d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("ai service error (%d)", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decoding response: %w", decodeErr)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return parsed.Choices[0].Message.Content, nil
}
