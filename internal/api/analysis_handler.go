package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oriys/logflow/internal/domain"
)

// EnqueueAnalysisResponse 分析请求受理响应
type EnqueueAnalysisResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// EnqueueAnalysis 受理分析请求，工作流在队列消费者中异步执行。
// HTTP端点: POST /v1/analysis
//
// 返回值：
//   - 202: {"session_id": "...", "status": "queued"}
//   - 400: 参数无效
//   - 503: 分析功能已禁用
func (h *Handler) EnqueueAnalysis(w http.ResponseWriter, r *http.Request) {
	var req domain.AnalysisRequest
	if err := decodeJSON(w, r, maxRecordBody, &req); err != nil {
		h.handleError(w, r, "enqueue analysis", err)
		return
	}
	id, err := h.svc.EnqueueAnalysis(r.Context(), req)
	if err != nil {
		h.handleError(w, r, "enqueue analysis", err)
		return
	}
	writeJSON(w, http.StatusAccepted, EnqueueAnalysisResponse{
		SessionID: id,
		Status:    string(domain.TrackingQueued),
	})
}

// GetAnalysis 返回分析会话状态。
// HTTP端点: GET /v1/analysis/{id}
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSessionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, "get analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetAnalysisTracking 返回会话的队列跟踪行（重试次数、最后错误）。
// HTTP端点: GET /v1/analysis/{id}/tracking
func (h *Handler) GetAnalysisTracking(w http.ResponseWriter, r *http.Request) {
	tr, err := h.svc.GetTracking(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, "get tracking", err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// RunCleanup 立即执行一次清理。
// HTTP端点: POST /v1/cleanup
func (h *Handler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.CleanupOnce(r.Context())
	if err != nil {
		h.handleError(w, r, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
