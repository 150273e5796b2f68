package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/oriys/logflow/internal/metrics"
	"github.com/oriys/logflow/internal/telemetry"
)

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler API处理器
	Handler *Handler
	// Metrics 指标收集器，为 nil 时 /metrics 使用默认注册表
	Metrics *metrics.Metrics
	// ServiceName 追踪中使用的服务名
	ServiceName string
	// RequestTimeout 单个请求的超时时间，0 表示 60 秒
	RequestTimeout time.Duration
	// Logger 日志记录器
	Logger *logrus.Logger
}

// NewRouter 创建并配置HTTP路由器。
//
// 路由结构：
//
//	/health                      - 基本健康检查
//	/health/ready                - 就绪探针（检查元数据存储）
//	/health/live                 - 存活探针
//	/metrics                     - Prometheus指标端点
//	/v1/logs                     - 摄取与查询
//	/v1/analysis                 - 分析请求与会话状态
//	/v1/cleanup                  - 手动触发清理
//	/v1/services                 - 服务配置
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "logflowd"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
	r.Get("/health/live", h.Live)

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/logs", func(r chi.Router) {
			r.Post("/", h.IngestLog)
			r.Get("/", h.QueryLogs)
			r.Post("/batch", h.BatchIngestLogs)
			r.Get("/{id}", h.GetLog)
			r.Get("/{id}/archive", h.GetArchivedLog)
		})

		r.Route("/analysis", func(r chi.Router) {
			r.Post("/", h.EnqueueAnalysis)
			r.Get("/{id}", h.GetAnalysis)
			r.Get("/{id}/tracking", h.GetAnalysisTracking)
		})

		r.Post("/cleanup", h.RunCleanup)

		r.Route("/services", func(r chi.Router) {
			r.Get("/", h.ListServices)
			r.Get("/{name}/config", h.GetServiceConfig)
			r.Put("/{name}/config", h.PutServiceConfig)
		})
	})

	return r
}

// requestLogger 使用 logrus 记录每个请求的方法、路径、状态码和耗时
func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logger == nil {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			telemetry.LoggerWithTraceContext(r.Context(), logger).WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("HTTP request")
		})
	}
}
