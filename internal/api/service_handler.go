package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oriys/logflow/internal/domain"
)

// ListServicesResponse 服务配置列表响应
type ListServicesResponse struct {
	Services []*domain.ServiceConfig `json:"services"`
}

// ListServices 列出所有显式保存的服务配置。
// HTTP端点: GET /v1/services
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	configs, err := h.svc.ListServiceConfigs(r.Context())
	if err != nil {
		h.handleError(w, r, "list services", err)
		return
	}
	if configs == nil {
		configs = []*domain.ServiceConfig{}
	}
	writeJSON(w, http.StatusOK, ListServicesResponse{Services: configs})
}

// GetServiceConfig 返回服务配置，未配置的服务返回默认推导结果（is_default=true）。
// HTTP端点: GET /v1/services/{name}/config
func (h *Handler) GetServiceConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.GetServiceConfig(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.handleError(w, r, "get service config", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PutServiceConfig 创建或更新服务配置，服务名取自路径。
// HTTP端点: PUT /v1/services/{name}/config
func (h *Handler) PutServiceConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.ServiceConfig
	if err := decodeJSON(w, r, maxRecordBody, &cfg); err != nil {
		h.handleError(w, r, "put service config", err)
		return
	}
	cfg.Service = chi.URLParam(r, "name")

	saved, err := h.svc.PutServiceConfig(r.Context(), &cfg)
	if err != nil {
		h.handleError(w, r, "put service config", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
