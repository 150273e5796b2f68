package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oriys/logflow/internal/domain"
)

// IngestResponse 单条摄取响应
type IngestResponse struct {
	ID string `json:"id"`
}

// BatchIngestRequest 批量摄取请求体
type BatchIngestRequest struct {
	Logs []*domain.LogRecord `json:"logs"`
}

// QueryLogsResponse 日志查询响应
type QueryLogsResponse struct {
	Logs  []*domain.LogRecord `json:"logs"`
	Count int                 `json:"count"`
}

// IngestLog 处理单条日志摄取。
// HTTP端点: POST /v1/logs
//
// 返回值：
//   - 201: {"id": "..."}
//   - 400: 校验失败
//   - 429: 超过服务的每日摄取上限
func (h *Handler) IngestLog(w http.ResponseWriter, r *http.Request) {
	var rec domain.LogRecord
	if err := decodeJSON(w, r, maxRecordBody, &rec); err != nil {
		h.handleError(w, r, "ingest", err)
		return
	}
	// 客户端不能指定归档键
	rec.ArchiveKey = nil

	id, err := h.svc.Ingest(r.Context(), &rec)
	if err != nil {
		h.handleError(w, r, "ingest", err)
		return
	}
	writeJSON(w, http.StatusCreated, IngestResponse{ID: id})
}

// BatchIngestLogs 处理批量摄取，单条失败体现在响应的 errors 字段中。
// HTTP端点: POST /v1/logs/batch
func (h *Handler) BatchIngestLogs(w http.ResponseWriter, r *http.Request) {
	var req BatchIngestRequest
	if err := decodeJSON(w, r, maxBatchBody, &req); err != nil {
		h.handleError(w, r, "batch ingest", err)
		return
	}
	for _, rec := range req.Logs {
		if rec != nil {
			rec.ArchiveKey = nil
		}
	}

	res, err := h.svc.BatchIngest(r.Context(), req.Logs)
	if err != nil {
		h.handleError(w, r, "batch ingest", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// QueryLogs 查询日志。
// HTTP端点: GET /v1/logs?service=&start=&end=&search=&limit=
// start 和 end 为毫秒时间戳，end 缺省为当前时间。
func (h *Handler) QueryLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := domain.LogQuery{
		Service: q.Get("service"),
		Search:  q.Get("search"),
	}
	var err error
	if query.Start, err = parseInt64(q.Get("start"), "start"); err != nil {
		h.handleError(w, r, "query logs", err)
		return
	}
	if query.End, err = parseInt64(q.Get("end"), "end"); err != nil {
		h.handleError(w, r, "query logs", err)
		return
	}
	limit, err := parseInt64(q.Get("limit"), "limit")
	if err != nil {
		h.handleError(w, r, "query logs", err)
		return
	}
	query.Limit = int(limit)

	logs, err := h.svc.QueryLogs(r.Context(), query)
	if err != nil {
		h.handleError(w, r, "query logs", err)
		return
	}
	if logs == nil {
		logs = []*domain.LogRecord{}
	}
	writeJSON(w, http.StatusOK, QueryLogsResponse{Logs: logs, Count: len(logs)})
}

// GetLog 返回元数据存储中的日志行（消息可能被截断）。
// HTTP端点: GET /v1/logs/{id}
func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, "get log", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetArchivedLog 返回归档中的完整记录。
// HTTP端点: GET /v1/logs/{id}/archive
func (h *Handler) GetArchivedLog(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetArchivedLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, "get archived log", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// parseInt64 解析可选的整数查询参数，空字符串返回 0
func parseInt64(raw, field string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, domain.NewValidationError(field, "must be an integer")
	}
	return v, nil
}
