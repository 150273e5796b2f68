// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义管道关键指标（摄取、归档、清理、分析、会话），便于在各模块复用并保持标签一致。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 封装管道运行时指标集合。
// 所有辅助方法对 nil 接收者安全，未启用指标时可以直接传 nil。
//
// 指标分类:
//   - 摄取指标: 记录数、校验失败、每日上限拒绝
//   - 归档指标: 后台归档写入的结果与耗时
//   - 清理指标: 删除的记录数与单次运行耗时
//   - 分析指标: 工作流结果、推理耗时、队列投递
type Metrics struct {
	registry *prometheus.Registry

	// ========== 摄取相关指标 ==========

	// LogsIngested 摄取记录计数器
	// 标签: service, level, result (ok/invalid/capped/error)
	LogsIngested *prometheus.CounterVec

	// IngestDuration 元数据写入耗时直方图（单位：毫秒）
	IngestDuration prometheus.Histogram

	// ========== 归档相关指标 ==========

	// ArchiveWrites 归档写入计数器
	// 标签: result (ok/error)
	ArchiveWrites *prometheus.CounterVec

	// ArchiveDuration 归档写入耗时直方图（单位：毫秒）
	ArchiveDuration prometheus.Histogram

	// ArchivePending 尚未完成的后台归档写入数
	ArchivePending prometheus.Gauge

	// ========== 清理相关指标 ==========

	// CleanupDeleted 清理删除的记录数
	// 标签: service
	CleanupDeleted *prometheus.CounterVec

	// CleanupErrors 清理过程中的错误数
	// 标签: stage (list/archive/delete)
	CleanupErrors *prometheus.CounterVec

	// CleanupDuration 单次清理耗时直方图（单位：秒）
	CleanupDuration prometheus.Histogram

	// ========== 分析相关指标 ==========

	// AnalysisRuns 分析工作流计数器
	// 标签: kind, result (completed/failed/retried/dead_letter)
	AnalysisRuns *prometheus.CounterVec

	// AnalysisDuration 工作流耗时直方图（单位：秒）
	// 标签: kind
	AnalysisDuration *prometheus.HistogramVec

	// InferenceDuration 推理请求耗时直方图（单位：毫秒）
	// 标签: success
	InferenceDuration *prometheus.HistogramVec

	// AnalysisEnqueued 入队的分析请求数
	// 标签: kind
	AnalysisEnqueued *prometheus.CounterVec

	// ActiveSessions 内存中活跃的会话 Actor 数
	ActiveSessions prometheus.Gauge
}

// NewMetrics 创建一组指标并注册到独立的 Registry。
// namespace 用于作为所有指标名前缀，便于在同一 Prometheus 中区分不同应用。
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LogsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logs_ingested_total",
				Help:      "Total number of log records submitted for ingestion",
			},
			[]string{"service", "level", "result"},
		),
		IngestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_duration_ms",
				Help:      "Metadata store write duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		ArchiveWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_writes_total",
				Help:      "Total number of background archive writes",
			},
			[]string{"result"},
		),
		ArchiveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "archive_duration_ms",
				Help:      "Archive write duration in milliseconds",
				Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
			},
		),
		ArchivePending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "archive_pending",
				Help:      "Number of archive writes still in flight",
			},
		),
		CleanupDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_deleted_total",
				Help:      "Total number of expired log records deleted",
			},
			[]string{"service"},
		),
		CleanupErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_errors_total",
				Help:      "Total number of errors encountered during cleanup",
			},
			[]string{"stage"},
		),
		CleanupDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cleanup_duration_seconds",
				Help:      "Duration of a full cleanup run in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		AnalysisRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analysis_runs_total",
				Help:      "Total number of analysis workflow executions",
			},
			[]string{"kind", "result"},
		),
		AnalysisDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "Analysis workflow duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"kind"},
		),
		InferenceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_duration_ms",
				Help:      "Inference request duration in milliseconds",
				Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
			},
			[]string{"success"},
		),
		AnalysisEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analysis_enqueued_total",
				Help:      "Total number of analysis requests published to the queue",
			},
			[]string{"kind"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of analysis session actors held in memory",
			},
		),
	}
}

// Handler 返回 /metrics 端点处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 返回底层 Registry，测试中用于读取指标值
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordIngest 记录一次摄取结果
func (m *Metrics) RecordIngest(service, level, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.LogsIngested.WithLabelValues(service, level, result).Inc()
	if result == "ok" {
		m.IngestDuration.Observe(durationMs)
	}
}

// ArchiveStarted 标记一次后台归档开始
func (m *Metrics) ArchiveStarted() {
	if m == nil {
		return
	}
	m.ArchivePending.Inc()
}

// RecordArchive 记录一次后台归档结果
func (m *Metrics) RecordArchive(success bool, durationMs float64) {
	if m == nil {
		return
	}
	m.ArchivePending.Dec()
	m.ArchiveWrites.WithLabelValues(resultLabel(success)).Inc()
	m.ArchiveDuration.Observe(durationMs)
}

// RecordCleanup 记录单个服务的清理删除数
func (m *Metrics) RecordCleanup(service string, deleted int64) {
	if m == nil || deleted == 0 {
		return
	}
	m.CleanupDeleted.WithLabelValues(service).Add(float64(deleted))
}

// RecordCleanupError 记录清理错误
func (m *Metrics) RecordCleanupError(stage string) {
	if m == nil {
		return
	}
	m.CleanupErrors.WithLabelValues(stage).Inc()
}

// ObserveCleanupRun 记录一次完整清理的耗时
func (m *Metrics) ObserveCleanupRun(seconds float64) {
	if m == nil {
		return
	}
	m.CleanupDuration.Observe(seconds)
}

// RecordAnalysis 记录一次工作流执行结果
func (m *Metrics) RecordAnalysis(kind, result string, seconds float64) {
	if m == nil {
		return
	}
	m.AnalysisRuns.WithLabelValues(kind, result).Inc()
	m.AnalysisDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordInference 记录推理请求耗时
func (m *Metrics) RecordInference(success bool, durationMs float64) {
	if m == nil {
		return
	}
	m.InferenceDuration.WithLabelValues(boolLabel(success)).Observe(durationMs)
}

// RecordEnqueue 记录一次分析入队
func (m *Metrics) RecordEnqueue(kind string) {
	if m == nil {
		return
	}
	m.AnalysisEnqueued.WithLabelValues(kind).Inc()
}

// UpdateActiveSessions 更新活跃会话数
func (m *Metrics) UpdateActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
