// Package cleanup 按服务保留策略删除过期日志。
// 每批记录先并行删除归档副本，再一次性删除元数据行。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/metrics"
)

// SummaryService 清理汇总记录使用的服务名
const SummaryService = "log-cleanup"

// MetadataStore 清理所需的元数据存储能力
type MetadataStore interface {
	ListServiceNames(ctx context.Context) ([]string, error)
	GetServiceConfig(ctx context.Context, service string) (*domain.ServiceConfig, error)
	ListExpiredLogs(ctx context.Context, service string, cutoff int64, limit int) ([]*domain.LogRecord, error)
	DeleteLogs(ctx context.Context, ids []string) (int64, error)
}

// ArchiveDeleter 删除归档副本
type ArchiveDeleter interface {
	Delete(ctx context.Context, key string) error
	KeyFor(service string, timestamp int64, id string) string
}

// Ingester 用于写入清理汇总记录
type Ingester interface {
	Ingest(ctx context.Context, rec *domain.LogRecord) (string, error)
}

// Stats 单次清理的统计
type Stats struct {
	Deleted               int64         `json:"deleted"`
	ServicesProcessed     int           `json:"services_processed"`
	ArchiveDeleteFailures int           `json:"archive_delete_failures"`
	Errors                []string      `json:"errors"`
	Duration              time.Duration `json:"duration"`
}

// Batcher 过期日志清理器
type Batcher struct {
	store    MetadataStore
	archive  ArchiveDeleter
	ingester Ingester
	defaults domain.DefaultConfig
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	now      func() time.Time
}

// NewBatcher 创建清理器。ingester 为 nil 时不写汇总记录。
func NewBatcher(store MetadataStore, archive ArchiveDeleter, ingester Ingester, defaults domain.DefaultConfig, m *metrics.Metrics, logger *logrus.Logger) *Batcher {
	if defaults.BatchSize <= 0 {
		defaults.BatchSize = 1000
	}
	return &Batcher{
		store:    store,
		archive:  archive,
		ingester: ingester,
		defaults: defaults,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// RunOnce 对所有服务执行一次清理。
// 单个服务失败会被记录在 Stats.Errors 中，不影响其他服务。
func (b *Batcher) RunOnce(ctx context.Context) (Stats, error) {
	start := b.now()
	stats := Stats{Errors: []string{}}

	services, err := b.store.ListServiceNames(ctx)
	if err != nil {
		b.metrics.RecordCleanupError("list")
		return stats, fmt.Errorf("list services: %w", err)
	}

	for _, service := range services {
		if ctx.Err() != nil {
			stats.Errors = append(stats.Errors, ctx.Err().Error())
			break
		}
		deleted, archiveFailures, err := b.cleanService(ctx, service, start)
		stats.Deleted += deleted
		stats.ArchiveDeleteFailures += archiveFailures
		stats.ServicesProcessed++
		b.metrics.RecordCleanup(service, deleted)

		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", service, err))
			b.logger.WithError(err).WithField("service", service).Error("Cleanup failed for service")
		}
	}

	stats.Duration = b.now().Sub(start)
	b.metrics.ObserveCleanupRun(stats.Duration.Seconds())

	b.logger.WithFields(logrus.Fields{
		"deleted":                 stats.Deleted,
		"services_processed":      stats.ServicesProcessed,
		"archive_delete_failures": stats.ArchiveDeleteFailures,
		"errors":                  len(stats.Errors),
		"duration_ms":             stats.Duration.Milliseconds(),
	}).Info("Log cleanup finished")

	b.emitSummary(ctx, stats)
	return stats, nil
}

// cleanService 按批删除单个服务的过期日志
func (b *Batcher) cleanService(ctx context.Context, service string, now time.Time) (int64, int, error) {
	override, err := b.store.GetServiceConfig(ctx, service)
	if err != nil && !errors.Is(err, domain.ErrServiceConfigNotFound) {
		b.metrics.RecordCleanupError("list")
		return 0, 0, err
	}
	cfg := domain.EffectiveServiceConfig(service, override, b.defaults)
	cutoff := now.Add(-time.Duration(cfg.TTLDays) * 24 * time.Hour).UnixMilli()

	var (
		deleted  int64
		failures int
	)
	for {
		batch, err := b.store.ListExpiredLogs(ctx, service, cutoff, b.defaults.BatchSize)
		if err != nil {
			b.metrics.RecordCleanupError("list")
			return deleted, failures, err
		}
		if len(batch) == 0 {
			break
		}

		failures += b.deleteArchives(ctx, batch)

		ids := make([]string, len(batch))
		for i, rec := range batch {
			ids[i] = rec.ID
		}
		n, err := b.store.DeleteLogs(ctx, ids)
		if err != nil {
			b.metrics.RecordCleanupError("delete")
			return deleted, failures, err
		}
		deleted += n

		b.logger.WithFields(logrus.Fields{
			"service": service,
			"batch":   len(batch),
			"deleted": n,
		}).Debug("Deleted expired log batch")

		// n == 0 表示其他实例已删除这些行，避免空转
		if len(batch) < b.defaults.BatchSize || n == 0 {
			break
		}
	}
	return deleted, failures, nil
}

// deleteArchives 并行删除一批记录的归档副本，返回失败数。
// 没有归档键的记录按确定性规则重建键。
func (b *Batcher) deleteArchives(ctx context.Context, batch []*domain.LogRecord) int {
	failed := make([]bool, len(batch))

	var g errgroup.Group
	for i, rec := range batch {
		i, rec := i, rec
		g.Go(func() error {
			key := b.archive.KeyFor(rec.Service, rec.Timestamp, rec.ID)
			if rec.ArchiveKey != nil {
				key = *rec.ArchiveKey
			}
			if err := b.archive.Delete(ctx, key); err != nil {
				failed[i] = true
				b.metrics.RecordCleanupError("archive")
				b.logger.WithError(err).WithFields(logrus.Fields{
					"log_id":      rec.ID,
					"archive_key": key,
				}).Warn("Failed to delete archived log")
			}
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return n
}

// emitSummary 写入一条自描述的清理汇总日志
func (b *Batcher) emitSummary(ctx context.Context, stats Stats) {
	if b.ingester == nil {
		return
	}
	rec := &domain.LogRecord{
		Service: SummaryService,
		Level:   domain.LevelInfo,
		Message: fmt.Sprintf("Log cleanup completed: %d records deleted across %d services", stats.Deleted, stats.ServicesProcessed),
		Source:  domain.SourceInternal,
		Metadata: map[string]interface{}{
			"deleted":                 stats.Deleted,
			"services_processed":      stats.ServicesProcessed,
			"archive_delete_failures": stats.ArchiveDeleteFailures,
			"duration_ms":             stats.Duration.Milliseconds(),
			"errors":                  stats.Errors,
		},
	}
	if _, err := b.ingester.Ingest(ctx, rec); err != nil {
		b.logger.WithError(err).Warn("Failed to record cleanup summary")
	}
}
