// Package gatewayclient 提供访问 logflowd HTTP API 的 Go 客户端封装。
// 命令行工具通过它完成摄取、分析、清理和服务配置操作。
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/logflow/internal/cleanup"
	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/telemetry"
)

// Client 是 logflowd HTTP API 客户端。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New 创建一个新的客户端。
// baseURL 为空时默认使用 http://localhost:8080。
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	httpClient := telemetry.InstrumentedHTTPClient()
	httpClient.Timeout = 60 * time.Second
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// QueryOptions 日志查询参数
type QueryOptions struct {
	Service string
	Start   int64
	End     int64
	Search  string
	Limit   int
}

// APIError 是服务端返回的标准错误结构。
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil || e.Message == "" {
		return "api error"
	}
	return fmt.Sprintf("%s (http %d)", e.Message, e.StatusCode)
}

// do 是内部通用请求方法，负责：
// - 拼接 URL 与 query
// - JSON 编码请求体
// - 发起 HTTP 请求并解析 JSON 响应
// - 将 4xx/5xx 转换为 *APIError
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, result any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) == nil && apiErr.Message != "" {
			return apiErr
		}
		apiErr.Message = strings.TrimSpace(string(respBody))
		return apiErr
	}

	if result == nil {
		return nil
	}
	if len(respBody) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// Ingest 摄取单条日志，返回记录 ID。
func (c *Client) Ingest(ctx context.Context, rec *domain.LogRecord) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/logs", nil, rec, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// BatchIngest 批量摄取日志。
func (c *Client) BatchIngest(ctx context.Context, records []*domain.LogRecord) (*domain.BatchResult, error) {
	body := struct {
		Logs []*domain.LogRecord `json:"logs"`
	}{Logs: records}
	var res domain.BatchResult
	if err := c.do(ctx, http.MethodPost, "/v1/logs/batch", nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// QueryLogs 按条件查询日志。
func (c *Client) QueryLogs(ctx context.Context, opts QueryOptions) ([]*domain.LogRecord, error) {
	q := url.Values{}
	if opts.Service != "" {
		q.Set("service", opts.Service)
	}
	if opts.Start > 0 {
		q.Set("start", strconv.FormatInt(opts.Start, 10))
	}
	if opts.End > 0 {
		q.Set("end", strconv.FormatInt(opts.End, 10))
	}
	if opts.Search != "" {
		q.Set("search", opts.Search)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var resp struct {
		Logs []*domain.LogRecord `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/logs", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// GetLog 获取日志记录，archived 为 true 时从归档读取完整副本。
func (c *Client) GetLog(ctx context.Context, id string, archived bool) (*domain.LogRecord, error) {
	path := "/v1/logs/" + url.PathEscape(id)
	if archived {
		path += "/archive"
	}
	var rec domain.LogRecord
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// EnqueueAnalysis 提交分析请求，返回会话 ID。
func (c *Client) EnqueueAnalysis(ctx context.Context, req domain.AnalysisRequest) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/analysis", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// GetSession 查询分析会话状态。
func (c *Client) GetSession(ctx context.Context, id string) (*domain.AnalysisSession, error) {
	var sess domain.AnalysisSession
	if err := c.do(ctx, http.MethodGet, "/v1/analysis/"+url.PathEscape(id), nil, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// WaitSession 轮询会话直到进入终止状态或 ctx 结束。
func (c *Client) WaitSession(ctx context.Context, id string, interval time.Duration) (*domain.AnalysisSession, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sess, err := c.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.IsTerminal() {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return sess, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCleanup 立即执行一次清理。
func (c *Client) RunCleanup(ctx context.Context) (*cleanup.Stats, error) {
	var stats cleanup.Stats
	if err := c.do(ctx, http.MethodPost, "/v1/cleanup", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetServiceConfig 获取服务配置。
func (c *Client) GetServiceConfig(ctx context.Context, service string) (*domain.ServiceConfig, error) {
	var cfg domain.ServiceConfig
	if err := c.do(ctx, http.MethodGet, "/v1/services/"+url.PathEscape(service)+"/config", nil, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PutServiceConfig 创建或更新服务配置。
func (c *Client) PutServiceConfig(ctx context.Context, cfg *domain.ServiceConfig) (*domain.ServiceConfig, error) {
	var saved domain.ServiceConfig
	if err := c.do(ctx, http.MethodPut, "/v1/services/"+url.PathEscape(cfg.Service)+"/config", nil, cfg, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// ListServiceConfigs 列出所有显式配置。
func (c *Client) ListServiceConfigs(ctx context.Context) ([]*domain.ServiceConfig, error) {
	var resp struct {
		Services []*domain.ServiceConfig `json:"services"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/services", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}
