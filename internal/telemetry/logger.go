package telemetry

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/logflow/internal/config"
)

// NewLogger 按配置创建 Logrus Logger。
// 格式为 json 或 text，级别无法解析时退回 info。
func NewLogger(cfg config.LoggingConfig, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}
	logger := logrus.New()
	logger.SetOutput(out)
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// LogrusHook 是一个 Logrus 钩子，自动将追踪上下文添加到日志条目中。
// 日志条目需要通过 WithContext 携带上下文才会生效。
type LogrusHook struct{}

// NewLogrusHook 创建一个新的 LogrusHook 实例。
//
//	logger := logrus.New()
//	logger.AddHook(telemetry.NewLogrusHook())
func NewLogrusHook() *LogrusHook {
	return &LogrusHook{}
}

// Levels 在所有日志级别触发
func (h *LogrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 写入 trace_id、span_id，已采样的追踪额外写入 trace_sampled
func (h *LogrusHook) Fire(entry *logrus.Entry) error {
	ctx := entry.Context
	if ctx == nil {
		return nil
	}

	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return nil
	}
	entry.Data["trace_id"] = spanCtx.TraceID().String()
	entry.Data["span_id"] = spanCtx.SpanID().String()
	if spanCtx.IsSampled() {
		entry.Data["trace_sampled"] = true
	}
	return nil
}

// LoggerWithTraceContext 返回带有追踪字段的日志条目，上下文中没有 Span 时返回普通条目
func LoggerWithTraceContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return logrus.NewEntry(logger)
	}
	return logger.WithFields(logrus.Fields{
		"trace_id":      spanCtx.TraceID().String(),
		"span_id":       spanCtx.SpanID().String(),
		"trace_sampled": spanCtx.IsSampled(),
	})
}
