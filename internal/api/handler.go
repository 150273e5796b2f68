// Package api 提供日志管道的 HTTP API 处理程序。
// 该包只负责请求解析、错误到状态码的映射和 JSON 输出，
// 业务逻辑全部委托给 pipeline.Service。
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/pipeline"
	"github.com/oriys/logflow/internal/telemetry"
)

// 请求体大小限制
const (
	maxRecordBody = 1 << 20
	maxBatchBody  = 32 << 20
)

// Handler 是 API 请求处理器的核心结构体。
type Handler struct {
	svc    *pipeline.Service
	logger *logrus.Logger
}

// NewHandler 创建处理器
func NewHandler(svc *pipeline.Service, logger *logrus.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Health 处理基本健康检查请求。
// HTTP端点: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready 处理就绪探针请求，元数据存储不可用时返回 503。
// HTTP端点: GET /health/ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "metadata store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live 处理存活探针请求。
// HTTP端点: GET /health/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// writeJSON 将数据以 JSON 格式写入响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse 错误响应结构体，携带请求 ID 和追踪 ID 便于关联日志
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
		TraceID:   telemetry.TraceIDFromContext(r.Context()),
	})
}

// statusFor 将领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case domain.IsValidation(err),
		errors.Is(err, domain.ErrInvalidTimeRange),
		errors.Is(err, domain.ErrInvalidAnalysisKind):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrLogNotFound),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrTrackingNotFound),
		errors.Is(err, domain.ErrServiceConfigNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDailyCapExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAnalysisDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError 写入错误响应，服务端错误额外记录日志
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		telemetry.LoggerWithTraceContext(r.Context(), h.logger).WithFields(logrus.Fields{
			"op":         op,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("Request failed")
	}
	writeError(w, r, status, err.Error())
}

// decodeJSON 解析请求体，限制读取的字节数
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("body", err.Error())
	}
	return nil
}
