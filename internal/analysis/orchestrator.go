// Package analysis 编排一次日志分析工作流：
// 启动会话、读取日志、按级别分类、调用推理服务、写入结果。
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/inference"
	"github.com/oriys/logflow/internal/metrics"
	"github.com/oriys/logflow/internal/session"
	"github.com/oriys/logflow/internal/telemetry"
)

// LogQuerier 读取待分析的日志
type LogQuerier interface {
	QueryLogs(ctx context.Context, q domain.LogQuery) ([]*domain.LogRecord, error)
}

// Params 工作流参数
type Params struct {
	SessionID string
	Kind      domain.AnalysisKind
	// Service 为空表示所有服务（global 分析）
	Service string
	Start   int64
	End     int64
	Search  string
}

// ParamsFromMessage 把队列消息转换为工作流参数
func ParamsFromMessage(msg *domain.AnalysisQueueMessage) Params {
	p := Params{
		SessionID: msg.ID,
		Kind:      msg.Kind,
		Service:   msg.Service,
		Start:     msg.Start,
		End:       msg.End,
		Search:    msg.Search,
	}
	if p.Kind == domain.AnalysisGlobal {
		p.Service = ""
	}
	return p
}

// Result 工作流结果。Success 为 false 时会话已被置为 failed（尽力而为）。
type Result struct {
	Success         bool     `json:"success"`
	SessionID       string   `json:"session_id"`
	LogsProcessed   int      `json:"logs_processed"`
	Counts          Counts   `json:"counts"`
	Summary         string   `json:"summary,omitempty"`
	Patterns        []string `json:"patterns,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	// Fallback 表示结果由计数合成，没有使用推理输出
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Options 编排器配置
type Options struct {
	// MaxLogs 单次读取的最大日志数
	MaxLogs int
	// MaxTokens 推理请求的最大 token 数
	MaxTokens int
	Metrics   *metrics.Metrics
}

// Orchestrator 分析工作流编排器
type Orchestrator struct {
	logs      LogQuerier
	sessions  *session.Registry
	client    inference.Client
	maxLogs   int
	maxTokens int
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// NewOrchestrator 创建编排器。client 为 nil 时总是使用合成摘要。
func NewOrchestrator(logs LogQuerier, sessions *session.Registry, client inference.Client, logger *logrus.Logger, opts Options) *Orchestrator {
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = 10000
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Orchestrator{
		logs:      logs,
		sessions:  sessions,
		client:    client,
		maxLogs:   opts.MaxLogs,
		maxTokens: opts.MaxTokens,
		metrics:   opts.Metrics,
		logger:    logger,
	}
}

// Run 执行一次分析工作流。
// 工作流内的错误都记录在 Result.Error 中；只有在会话启动前 ctx 已结束时才返回 error，
// 由队列消费者负责重新投递。
func (o *Orchestrator) Run(ctx context.Context, p Params) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "analysis.Run")
	defer span.End()
	telemetry.AddSpanAttributes(ctx,
		attribute.String("analysis.session_id", p.SessionID),
		attribute.String("analysis.kind", string(p.Kind)),
		attribute.String("analysis.service", p.Service),
	)

	start := time.Now()
	logger := o.logger.WithFields(logrus.Fields{
		"session_id": p.SessionID,
		"service":    p.Service,
		"kind":       p.Kind,
	})

	actor := o.sessions.Get(p.SessionID)
	defer o.sessions.Release(p.SessionID)

	sess, err := actor.Start(ctx, session.StartParams{
		Kind:    p.Kind,
		Service: p.Service,
		Start:   p.Start,
		End:     p.End,
		Search:  p.Search,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("start session %s: %w", p.SessionID, err)
		}
		return o.fail(ctx, actor, p, start, fmt.Errorf("start session: %w", err), logger), nil
	}

	// 重复投递：会话已经结束，直接返回已有结果
	if sess.IsTerminal() {
		logger.WithField("status", sess.Status).Info("Analysis session already finished, skipping")
		return resultFromSession(sess), nil
	}

	res, err := o.execute(ctx, actor, p, logger)
	if err != nil {
		return o.fail(ctx, actor, p, start, err, logger), nil
	}

	o.metrics.RecordAnalysis(string(p.Kind), "completed", time.Since(start).Seconds())
	logger.WithFields(logrus.Fields{
		"logs_processed": res.LogsProcessed,
		"fallback":       res.Fallback,
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Info("Analysis completed")
	return res, nil
}

// execute 执行步骤 2 到 5
func (o *Orchestrator) execute(ctx context.Context, actor *session.Actor, p Params, logger *logrus.Entry) (*Result, error) {
	step := func(name string) error {
		_, err := actor.Update(ctx, session.Progress{CurrentStep: &name})
		return err
	}

	if err := step("fetching_logs"); err != nil {
		return nil, err
	}
	logs, err := o.logs.QueryLogs(ctx, domain.LogQuery{
		Service: p.Service,
		Start:   p.Start,
		End:     p.End,
		Search:  p.Search,
		Limit:   o.maxLogs,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch logs: %w", err)
	}
	processed := len(logs)
	if _, err := actor.Update(ctx, session.Progress{LogsProcessed: &processed}); err != nil {
		return nil, err
	}

	counts, errs, warnings := classify(logs)
	classified := "classified"
	if _, err := actor.Update(ctx, session.Progress{
		CurrentStep:  &classified,
		ErrorCount:   &counts.Errors,
		WarningCount: &counts.Warnings,
		InfoCount:    &counts.Info,
	}); err != nil {
		return nil, err
	}

	var (
		out      *outcome
		fallback bool
	)
	if processed == 0 || o.client == nil {
		out, fallback = synthesize(p.Service, counts), true
	} else {
		if err := step("inference"); err != nil {
			return nil, err
		}
		out, err = o.infer(ctx, p, counts, errs, warnings)
		if err != nil {
			logger.WithError(err).Warn("Inference unavailable, using synthesized summary")
			out, fallback = synthesize(p.Service, counts), true
		}
	}

	sess, err := actor.Complete(ctx, session.Outcome{
		Summary:         out.Summary,
		Patterns:        out.Patterns,
		Recommendations: out.Recommendations,
	})
	if err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}

	res := resultFromSession(sess)
	res.Fallback = fallback
	return res, nil
}

func (o *Orchestrator) infer(ctx context.Context, p Params, counts Counts, errs, warnings []*domain.LogRecord) (*outcome, error) {
	prompt := buildPrompt(p, counts, errs, warnings)
	text, err := o.client.Complete(ctx, prompt, o.maxTokens)
	if err != nil {
		return nil, err
	}
	return parseOutcome(text)
}

// fail 尽力把会话置为 failed 并返回失败结果
func (o *Orchestrator) fail(ctx context.Context, actor *session.Actor, p Params, start time.Time, cause error, logger *logrus.Entry) *Result {
	telemetry.RecordError(ctx, cause)
	o.metrics.RecordAnalysis(string(p.Kind), "failed", time.Since(start).Seconds())

	res := &Result{SessionID: p.SessionID, Error: cause.Error()}
	sess, err := actor.Fail(ctx, cause)
	if err != nil {
		logger.WithError(err).Error("Failed to mark analysis session as failed")
		return res
	}
	res.LogsProcessed = sess.LogsProcessed
	res.Counts = Counts{Errors: sess.ErrorCount, Warnings: sess.WarningCount, Info: sess.InfoCount}
	return res
}

func resultFromSession(sess *domain.AnalysisSession) *Result {
	res := &Result{
		Success:         sess.Status == domain.SessionCompleted,
		SessionID:       sess.ID,
		LogsProcessed:   sess.LogsProcessed,
		Counts:          Counts{Errors: sess.ErrorCount, Warnings: sess.WarningCount, Info: sess.InfoCount},
		Summary:         sess.Summary,
		Patterns:        sess.Patterns,
		Recommendations: sess.Recommendations,
	}
	if sess.Status == domain.SessionFailed {
		res.Error = "analysis session already failed"
	}
	return res
}
