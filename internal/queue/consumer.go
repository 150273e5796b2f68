package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/logflow/internal/analysis"
	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/metrics"
)

// Message 一条已投递的队列消息
type Message interface {
	Data() []byte
	Ack() error
	NakWithDelay(d time.Duration) error
	Term() error
	// NumDelivered 返回包含本次在内的投递次数
	NumDelivered() uint64
}

// Source 批量拉取消息
type Source interface {
	Fetch(ctx context.Context, batch int) ([]Message, error)
}

// Workflow 执行一次分析
type Workflow interface {
	Run(ctx context.Context, p analysis.Params) (*analysis.Result, error)
}

// TrackingStore 队列跟踪行
type TrackingStore interface {
	MarkTrackingProcessing(ctx context.Context, sessionID string, startedAt time.Time) error
	MarkTrackingCompleted(ctx context.Context, sessionID string, completedAt time.Time) error
	MarkTrackingFailed(ctx context.Context, sessionID, errMsg string, retry bool) error
}

// DeadLetterPublisher 接收超过最大投递次数的消息
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, data []byte, cause string, delivered uint64) error
}

// ConsumerOptions 消费者配置
type ConsumerOptions struct {
	// BatchSize 每次拉取的消息数
	BatchSize int
	// MaxDeliver 最大投递次数，达到后转入死信
	MaxDeliver int
	// RetryBackoff 首次重新投递的退避时间，之后按投递次数翻倍
	RetryBackoff time.Duration
	// MaxBackoff 退避上限
	MaxBackoff time.Duration
	// ProcessTimeout 单条消息的处理时限，应不超过队列的确认等待时间
	ProcessTimeout time.Duration
	Metrics        *metrics.Metrics
}

// Consumer 分析队列消费者
type Consumer struct {
	source   Source
	workflow Workflow
	tracking TrackingStore
	dlq      DeadLetterPublisher
	opts     ConsumerOptions
	logger   *logrus.Logger
	now      func() time.Time
}

// NewConsumer 创建消费者。dlq 为 nil 时超限消息只会被终止。
func NewConsumer(source Source, workflow Workflow, tracking TrackingStore, dlq DeadLetterPublisher, logger *logrus.Logger, opts ConsumerOptions) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 5 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 10 * time.Minute
	}
	return &Consumer{
		source:   source,
		workflow: workflow,
		tracking: tracking,
		dlq:      dlq,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Run 持续拉取并处理消息，直到 ctx 结束。
// ctx 结束后不再拉取，但会等待已拉取的消息处理完毕再返回。
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.WithField("batch_size", c.opts.BatchSize).Info("Analysis consumer started")
	defer c.logger.Info("Analysis consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := c.source.Fetch(ctx, c.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).Warn("Failed to fetch analysis requests")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.HandleBatch(ctx, msgs)
	}
}

// HandleBatch 并发处理一批消息，批内消息互不影响。
// 处理过程不随 ctx 取消而中断，每条消息受 ProcessTimeout 约束。
func (c *Consumer) HandleBatch(ctx context.Context, msgs []Message) {
	base := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, m := range msgs {
		wg.Add(1)
		go func(m Message) {
			defer wg.Done()
			mctx, cancel := context.WithTimeout(base, c.opts.ProcessTimeout)
			defer cancel()
			c.handle(mctx, m)
		}(m)
	}
	wg.Wait()
}

func (c *Consumer) handle(ctx context.Context, m Message) {
	var msg domain.AnalysisQueueMessage
	if err := json.Unmarshal(m.Data(), &msg); err != nil || msg.ID == "" {
		c.logger.WithError(err).Error("Dropping undecodable analysis request")
		c.deadLetter(ctx, m, "undecodable message")
		c.settle(m.Term(), "term")
		return
	}

	delivered := m.NumDelivered()
	logger := c.logger.WithFields(logrus.Fields{
		"session_id": msg.ID,
		"kind":       msg.Kind,
		"delivery":   delivered,
	})

	if err := c.tracking.MarkTrackingProcessing(ctx, msg.ID, c.now().UTC()); err != nil {
		logger.WithError(err).Warn("Failed to mark tracking row processing")
	}

	res, err := c.runSafely(ctx, &msg)
	switch {
	case err != nil:
		c.retry(ctx, m, &msg, delivered, err, logger)
	case !res.Success:
		// 会话已经置为 failed，重新投递只会命中终止状态
		if terr := c.tracking.MarkTrackingFailed(ctx, msg.ID, res.Error, false); terr != nil {
			logger.WithError(terr).Warn("Failed to mark tracking row failed")
		}
		logger.WithField("error", res.Error).Warn("Analysis workflow failed")
		c.settle(m.Ack(), "ack")
	default:
		if terr := c.tracking.MarkTrackingCompleted(ctx, msg.ID, c.now().UTC()); terr != nil {
			logger.WithError(terr).Warn("Failed to mark tracking row completed")
		}
		c.settle(m.Ack(), "ack")
	}
}

// runSafely 执行工作流，panic 转换为错误
func (c *Consumer) runSafely(ctx context.Context, msg *domain.AnalysisQueueMessage) (res *analysis.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis workflow panicked: %v", r)
		}
	}()
	res, err = c.workflow.Run(ctx, analysis.ParamsFromMessage(msg))
	if err == nil && res == nil {
		err = errors.New("analysis workflow returned no result")
	}
	return res, err
}

// retry 安排重新投递，跟踪行记为 retrying；达到最大投递次数时转入死信，跟踪行记为 failed
func (c *Consumer) retry(ctx context.Context, m Message, msg *domain.AnalysisQueueMessage, delivered uint64, cause error, logger *logrus.Entry) {
	exhausted := delivered >= uint64(c.opts.MaxDeliver)
	if err := c.tracking.MarkTrackingFailed(ctx, msg.ID, cause.Error(), !exhausted); err != nil {
		logger.WithError(err).Warn("Failed to update tracking row")
	}

	if exhausted {
		logger.WithError(cause).Error("Analysis request exhausted retries, moving to dead letter")
		c.opts.Metrics.RecordAnalysis(string(msg.Kind), "dead_letter", 0)
		c.deadLetter(ctx, m, cause.Error())
		c.settle(m.Term(), "term")
		return
	}

	delay := c.backoff(delivered)
	logger.WithError(cause).WithField("retry_in", delay.String()).Warn("Analysis request failed, scheduling redelivery")
	c.opts.Metrics.RecordAnalysis(string(msg.Kind), "retried", 0)
	c.settle(m.NakWithDelay(delay), "nak")
}

// backoff 按投递次数指数退避
func (c *Consumer) backoff(delivered uint64) time.Duration {
	d := c.opts.RetryBackoff
	for i := uint64(1); i < delivered; i++ {
		d *= 2
		if d >= c.opts.MaxBackoff {
			return c.opts.MaxBackoff
		}
	}
	return d
}

func (c *Consumer) deadLetter(ctx context.Context, m Message, cause string) {
	if c.dlq == nil {
		return
	}
	if err := c.dlq.PublishDeadLetter(ctx, m.Data(), cause, m.NumDelivered()); err != nil {
		c.logger.WithError(err).Error("Failed to publish dead letter")
	}
}

func (c *Consumer) settle(err error, op string) {
	if err != nil {
		c.logger.WithError(err).WithField("op", op).Warn("Failed to settle queue message")
	}
}
