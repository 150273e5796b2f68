// Package ingest 实现日志摄取协调器。
// 每条记录同步写入元数据存储，然后在后台异步写入归档存储；
// 归档写入与调用方的上下文分离，失败只记录日志，不会重试。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/metrics"
	"github.com/oriys/logflow/internal/telemetry"
)

// MetadataStore 摄取所需的元数据存储能力
type MetadataStore interface {
	InsertLog(ctx context.Context, rec *domain.LogRecord) error
	SetArchiveKey(ctx context.Context, id, key string) error
	GetServiceConfig(ctx context.Context, service string) (*domain.ServiceConfig, error)
}

// ArchiveWriter 写入完整副本并返回对象键
type ArchiveWriter interface {
	Put(ctx context.Context, rec *domain.LogRecord) (string, error)
}

// Options 协调器可选配置
type Options struct {
	// ArchiveTimeout 单次后台归档写入的超时时间
	ArchiveTimeout time.Duration
	// DailyCap 每日上限计数器，为 nil 时不限制
	DailyCap DailyCap
	Metrics  *metrics.Metrics
}

// Coordinator 摄取协调器
type Coordinator struct {
	store   MetadataStore
	archive ArchiveWriter
	cap     DailyCap
	metrics *metrics.Metrics
	logger  *logrus.Logger

	archiveTimeout time.Duration

	// pending 跟踪尚未完成的后台归档写入
	pending sync.WaitGroup
	now     func() time.Time
}

// NewCoordinator 创建摄取协调器
func NewCoordinator(store MetadataStore, archive ArchiveWriter, logger *logrus.Logger, opts Options) *Coordinator {
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = 30 * time.Second
	}
	return &Coordinator{
		store:          store,
		archive:        archive,
		cap:            opts.DailyCap,
		metrics:        opts.Metrics,
		logger:         logger,
		archiveTimeout: opts.ArchiveTimeout,
		now:            time.Now,
	}
}

// Ingest 摄取单条日志记录并返回记录 ID。
// 函数返回时元数据行已经存在；归档键在后台写入完成后才会被设置。
func (c *Coordinator) Ingest(ctx context.Context, rec *domain.LogRecord) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "ingest.Ingest")
	defer span.End()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = c.now().UnixMilli()
	}
	if rec.Source == "" {
		rec.Source = domain.SourceHTTP
	}

	warnings, err := rec.Validate()
	if err != nil {
		c.metrics.RecordIngest(rec.Service, string(rec.Level), "invalid", 0)
		return "", err
	}
	for _, w := range warnings {
		c.logger.WithFields(logrus.Fields{
			"log_id":  rec.ID,
			"service": rec.Service,
		}).Warn(w)
	}
	rec.Level, _ = domain.NormalizeLevel(string(rec.Level))
	telemetry.AddSpanAttributes(ctx,
		attribute.String("log.service", rec.Service),
		attribute.String("log.level", string(rec.Level)),
	)

	now := c.now()
	counted, err := c.checkDailyCap(ctx, rec.Service, now)
	if err != nil {
		c.metrics.RecordIngest(rec.Service, string(rec.Level), "capped", 0)
		return "", err
	}

	start := time.Now()
	if err := c.store.InsertLog(ctx, rec); err != nil {
		if counted {
			c.refundDailyCap(ctx, rec.Service, now)
		}
		telemetry.RecordError(ctx, err)
		c.metrics.RecordIngest(rec.Service, string(rec.Level), "error", 0)
		return "", &domain.StoreError{Op: "insert log", Err: err}
	}
	c.metrics.RecordIngest(rec.Service, string(rec.Level), "ok", float64(time.Since(start).Milliseconds()))

	c.scheduleArchive(rec)
	return rec.ID, nil
}

// checkDailyCap 检查服务的每日摄取上限，counted 表示本条记录已计入当日额度。
// 计数器本身出错时只记录日志，不阻塞摄取。
func (c *Coordinator) checkDailyCap(ctx context.Context, service string, now time.Time) (counted bool, err error) {
	if c.cap == nil {
		return false, nil
	}
	cfg, err := c.store.GetServiceConfig(ctx, service)
	if errors.Is(err, domain.ErrServiceConfigNotFound) {
		return false, nil
	}
	if err != nil {
		c.logger.WithError(err).WithField("service", service).Warn("Failed to load service config for daily cap")
		return false, nil
	}
	if cfg.DailyCap <= 0 {
		return false, nil
	}

	allowed, err := c.cap.Allow(ctx, service, cfg.DailyCap, now)
	if err != nil {
		c.logger.WithError(err).WithField("service", service).Warn("Daily cap counter unavailable")
		return false, nil
	}
	if !allowed {
		return false, fmt.Errorf("%w: service %s reached %d records today", domain.ErrDailyCapExceeded, service, cfg.DailyCap)
	}
	return true, nil
}

// refundDailyCap 元数据写入失败时归还额度，调用方取消不影响归还
func (c *Coordinator) refundDailyCap(ctx context.Context, service string, now time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.cap.Refund(ctx, service, now); err != nil {
		c.logger.WithError(err).WithField("service", service).Warn("Failed to refund daily cap")
	}
}

// scheduleArchive 在后台写入归档副本。
// 使用独立的上下文，调用方返回或取消都不会中断写入。
func (c *Coordinator) scheduleArchive(rec *domain.LogRecord) {
	full := *rec
	c.pending.Add(1)
	c.metrics.ArchiveStarted()

	go func() {
		defer c.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.archiveTimeout)
		defer cancel()

		start := time.Now()
		key, err := c.archive.Put(ctx, &full)
		if err == nil {
			err = c.store.SetArchiveKey(ctx, full.ID, key)
		}
		c.metrics.RecordArchive(err == nil, float64(time.Since(start).Milliseconds()))

		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"log_id":  full.ID,
				"service": full.Service,
			}).Error("Failed to archive log record")
			return
		}
		c.logger.WithFields(logrus.Fields{
			"log_id":      full.ID,
			"archive_key": key,
		}).Debug("Log record archived")
	}()
}

// Drain 等待所有后台归档写入完成，或者 ctx 结束
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
