// Package inference 封装文本补全推理服务。
// 管道只把推理服务当作不透明的 "prompt 进、文本出" 接口使用。
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oriys/logflow/internal/config"
	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/metrics"
	"github.com/oriys/logflow/internal/telemetry"
)

// Client 文本补全接口
type Client interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// HTTPClient 调用 OpenAI 兼容的 chat completions 接口
type HTTPClient struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// NewHTTPClient 根据配置创建推理客户端，出站请求带追踪上下文
func NewHTTPClient(cfg config.InferenceConfig, m *metrics.Metrics) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: telemetry.HTTPClientTransport(nil),
		},
		metrics: m,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete 实现 Client
func (c *HTTPClient) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	start := time.Now()
	out, err := c.complete(ctx, prompt, maxTokens)
	c.metrics.RecordInference(err == nil, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInference, err)
	}
	return out, nil
}

func (c *HTTPClient) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if c.endpoint == "" {
		return "", errors.New("inference endpoint not configured")
	}

	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("inference endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode inference response: %w", err)
	}
	if parsed.Error != nil {
		return "", errors.New(parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("inference response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
