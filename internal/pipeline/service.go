// Package pipeline 把摄取、归档、清理和分析组件组合成对外的服务接口，
// HTTP API 和命令行都只依赖这里。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oriys/logflow/internal/archive"
	"github.com/oriys/logflow/internal/cleanup"
	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/ingest"
	"github.com/oriys/logflow/internal/metrics"
	"github.com/oriys/logflow/internal/session"
	"github.com/oriys/logflow/internal/storage"
)

// 查询限制
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Publisher 把分析请求投递到队列
type Publisher interface {
	Publish(ctx context.Context, msg *domain.AnalysisQueueMessage) error
}

// Deps 服务依赖
type Deps struct {
	Store     storage.Store
	Archive   *archive.Archive
	Ingest    *ingest.Coordinator
	Cleanup   *cleanup.Batcher
	Publisher Publisher
	Sessions  *session.Registry
	Defaults  domain.DefaultConfig
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
}

// Service 管道服务
type Service struct {
	store     storage.Store
	archive   *archive.Archive
	ingest    *ingest.Coordinator
	cleanup   *cleanup.Batcher
	publisher Publisher
	sessions  *session.Registry
	defaults  domain.DefaultConfig
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	now       func() time.Time
}

// NewService 创建管道服务
func NewService(d Deps) *Service {
	return &Service{
		store:     d.Store,
		archive:   d.Archive,
		ingest:    d.Ingest,
		cleanup:   d.Cleanup,
		publisher: d.Publisher,
		sessions:  d.Sessions,
		defaults:  d.Defaults,
		metrics:   d.Metrics,
		logger:    d.Logger,
		now:       time.Now,
	}
}

// Ingest 摄取单条日志
func (s *Service) Ingest(ctx context.Context, rec *domain.LogRecord) (string, error) {
	return s.ingest.Ingest(ctx, rec)
}

// BatchIngest 批量摄取。批量大小不合法时在写入任何存储之前返回错误。
func (s *Service) BatchIngest(ctx context.Context, records []*domain.LogRecord) (domain.BatchResult, error) {
	if err := domain.ValidateBatchSize(len(records)); err != nil {
		return domain.BatchResult{}, err
	}
	res := s.ingest.BatchIngest(ctx, records)
	s.logger.WithFields(logrus.Fields{
		"successful": res.Successful,
		"failed":     res.Failed,
	}).Debug("Batch ingested")
	return res, nil
}

// GetLog 返回元数据行
func (s *Service) GetLog(ctx context.Context, id string) (*domain.LogRecord, error) {
	return s.store.GetLog(ctx, id)
}

// GetArchivedLog 从归档读取完整记录。
// 归档键尚未回填时按确定性规则重建。
func (s *Service) GetArchivedLog(ctx context.Context, id string) (*domain.LogRecord, error) {
	row, err := s.store.GetLog(ctx, id)
	if err != nil {
		return nil, err
	}
	key := s.archive.KeyFor(row.Service, row.Timestamp, row.ID)
	if row.ArchiveKey != nil {
		key = *row.ArchiveKey
	}
	rec, err := s.archive.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: archived copy of %s not available", domain.ErrLogNotFound, id)
	}
	return rec, nil
}

// QueryLogs 按服务、时间范围和关键字查询日志
func (s *Service) QueryLogs(ctx context.Context, q domain.LogQuery) ([]*domain.LogRecord, error) {
	if q.Service != "" && !domain.ValidServiceName(q.Service) {
		return nil, domain.NewValidationError("service", "service name must match ^[A-Za-z0-9_-]+$")
	}
	if q.End == 0 {
		q.End = s.now().UnixMilli() + 1
	}
	if q.Start >= q.End {
		return nil, domain.ErrInvalidTimeRange
	}
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	return s.store.QueryLogs(ctx, q)
}

// EnqueueAnalysis 创建跟踪行并投递分析请求，返回会话 ID
func (s *Service) EnqueueAnalysis(ctx context.Context, req domain.AnalysisRequest) (string, error) {
	if !s.defaults.AnalysisEnabled {
		return "", domain.ErrAnalysisDisabled
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.Kind == domain.AnalysisGlobal {
		req.Service = ""
	}

	now := s.now().UTC()
	msg := &domain.AnalysisQueueMessage{
		ID:        uuid.New().String(),
		Kind:      req.Kind,
		Service:   req.Service,
		Start:     req.Start,
		End:       req.End,
		Search:    req.Search,
		CreatedAt: now,
	}

	if err := s.store.CreateTracking(ctx, &domain.AnalysisTracking{
		SessionID: msg.ID,
		Kind:      msg.Kind,
		Service:   msg.Service,
		Status:    domain.TrackingQueued,
		QueuedAt:  now,
	}); err != nil {
		return "", &domain.StoreError{Op: "create tracking", Err: err}
	}

	if err := s.publisher.Publish(ctx, msg); err != nil {
		if terr := s.store.MarkTrackingFailed(ctx, msg.ID, err.Error(), false); terr != nil {
			s.logger.WithError(terr).WithField("session_id", msg.ID).Warn("Failed to mark tracking row failed")
		}
		return "", fmt.Errorf("enqueue analysis: %w", err)
	}

	s.metrics.RecordEnqueue(string(msg.Kind))
	s.logger.WithFields(logrus.Fields{
		"session_id": msg.ID,
		"kind":       msg.Kind,
		"service":    msg.Service,
	}).Info("Analysis enqueued")
	return msg.ID, nil
}

// GetSessionStatus 查询会话状态：依次查询会话 Actor、元数据镜像和队列跟踪行。
// 仍在排队的会话以 pending 状态返回。
func (s *Service) GetSessionStatus(ctx context.Context, id string) (*domain.AnalysisSession, error) {
	sess, err := s.sessions.Snapshot(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		s.logger.WithError(err).WithField("session_id", id).Warn("Session state unavailable, falling back to mirror")
	}

	sess, err = s.store.GetSession(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, err
	}

	tr, err := s.store.GetTracking(ctx, id)
	if errors.Is(err, domain.ErrTrackingNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	// retrying 的消息还会被重新投递，仍视为 pending
	status := domain.SessionPending
	if tr.Status == domain.TrackingFailed {
		status = domain.SessionFailed
	}
	return &domain.AnalysisSession{
		ID:          tr.SessionID,
		Kind:        tr.Kind,
		Service:     tr.Service,
		Status:      status,
		CurrentStep: string(tr.Status),
		CreatedAt:   tr.QueuedAt,
		CompletedAt: tr.CompletedAt,
	}, nil
}

// GetTracking 返回队列跟踪行
func (s *Service) GetTracking(ctx context.Context, id string) (*domain.AnalysisTracking, error) {
	return s.store.GetTracking(ctx, id)
}

// CleanupOnce 立即执行一次过期日志清理
func (s *Service) CleanupOnce(ctx context.Context) (cleanup.Stats, error) {
	return s.cleanup.RunOnce(ctx)
}

// GetServiceConfig 返回服务配置，没有显式配置时由默认配置推导
func (s *Service) GetServiceConfig(ctx context.Context, service string) (*domain.ServiceConfig, error) {
	if !domain.ValidServiceName(service) {
		return nil, domain.NewValidationError("service", "service name must match ^[A-Za-z0-9_-]+$")
	}
	cfg, err := s.store.GetServiceConfig(ctx, service)
	if errors.Is(err, domain.ErrServiceConfigNotFound) {
		return domain.EffectiveServiceConfig(service, nil, s.defaults), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// PutServiceConfig 创建或更新服务配置
func (s *Service) PutServiceConfig(ctx context.Context, cfg *domain.ServiceConfig) (*domain.ServiceConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.IsDefault = false
	if err := s.store.UpsertServiceConfig(ctx, cfg); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"service":  cfg.Service,
		"ttl_days": cfg.TTLDays,
	}).Info("Service config updated")
	return cfg, nil
}

// ListServiceConfigs 列出所有显式配置
func (s *Service) ListServiceConfigs(ctx context.Context) ([]*domain.ServiceConfig, error) {
	return s.store.ListServiceConfigs(ctx)
}

// ScheduleAnalyses 为启用告警的服务投递覆盖最近 window 的定时分析，返回投递数
func (s *Service) ScheduleAnalyses(ctx context.Context, window time.Duration) (int, error) {
	if !s.defaults.AnalysisEnabled {
		return 0, nil
	}
	configs, err := s.store.ListServiceConfigs(ctx)
	if err != nil {
		return 0, err
	}

	end := s.now()
	start := end.Add(-window)
	n := 0
	for _, cfg := range configs {
		if !cfg.AlertingEnabled {
			continue
		}
		_, err := s.EnqueueAnalysis(ctx, domain.AnalysisRequest{
			Kind:    domain.AnalysisScheduled,
			Service: cfg.Service,
			Start:   start.UnixMilli(),
			End:     end.UnixMilli(),
		})
		if err != nil {
			s.logger.WithError(err).WithField("service", cfg.Service).Error("Failed to schedule analysis")
			continue
		}
		n++
	}
	return n, nil
}

// Ping 检查元数据存储连通性
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Drain 等待后台归档写入完成
func (s *Service) Drain(ctx context.Context) error {
	return s.ingest.Drain(ctx)
}
