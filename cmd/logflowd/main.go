// Package main 是 logflowd 守护进程的入口点
// logflowd 提供日志摄取 HTTP API，运行分析队列消费者以及定时清理和定时分析任务
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/oriys/logflow/internal/analysis"
	"github.com/oriys/logflow/internal/api"
	"github.com/oriys/logflow/internal/archive"
	"github.com/oriys/logflow/internal/cleanup"
	"github.com/oriys/logflow/internal/config"
	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/inference"
	"github.com/oriys/logflow/internal/ingest"
	"github.com/oriys/logflow/internal/metrics"
	"github.com/oriys/logflow/internal/pipeline"
	"github.com/oriys/logflow/internal/queue"
	"github.com/oriys/logflow/internal/scheduler"
	"github.com/oriys/logflow/internal/session"
	"github.com/oriys/logflow/internal/storage"
	"github.com/oriys/logflow/internal/telemetry"
)

// bus 队列需要同时提供投递和死信能力
type bus interface {
	pipeline.Publisher
	queue.DeadLetterPublisher
	Close() error
}

func main() {
	configPath := flag.String("config", "/etc/logflow/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	logger := telemetry.NewLogger(cfg.Logging, os.Stderr)
	logger.WithField("storage", cfg.Storage.Driver).Info("Starting logflowd")

	tel, err := telemetry.New(context.Background(), cfg.Telemetry)
	if err != nil {
		// 追踪不可用不影响主服务
		logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
	} else if tel.IsEnabled() {
		logger.AddHook(telemetry.NewLogrusHook())
		logger.WithFields(logrus.Fields{
			"endpoint":    cfg.Telemetry.Endpoint,
			"sample_rate": cfg.Telemetry.SampleRate,
		}).Info("Telemetry initialized")
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open metadata store")
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Address != "" {
		rdb, err = storage.NewRedisClient(cfg.Storage.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
	} else {
		logger.Warn("Redis not configured, session state is kept in memory")
	}

	arc, err := archive.Open(context.Background(), cfg.Archive)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open archive store")
	}

	defaults := domain.DefaultConfig{
		TTLDays:         cfg.Cleanup.DefaultTTLDays,
		BatchSize:       cfg.Cleanup.BatchSize,
		AnalysisEnabled: cfg.Analysis.Enabled,
	}

	ingestOpts := ingest.Options{ArchiveTimeout: cfg.Ingestion.ArchiveTimeout, Metrics: m}
	if cfg.Ingestion.DailyCapEnabled {
		if rdb == nil {
			logger.Warn("Daily caps require Redis, caps are not enforced")
		} else {
			ingestOpts.DailyCap = ingest.NewRedisDailyCap(rdb)
		}
	}
	coord := ingest.NewCoordinator(store, arc, logger, ingestOpts)
	batcher := cleanup.NewBatcher(store, arc, coord, defaults, m, logger)

	var stateStore session.StateStore = session.NewMemoryStateStore()
	sessOpts := session.Options{Metrics: m}
	if rdb != nil {
		stateStore = session.NewRedisStateStore(rdb, cfg.Session.StateTTL)
		if cfg.Session.DistributedLock {
			sessOpts.Lease = session.NewRedisLease(rdb, cfg.Session.LockTTL)
		}
	}
	sessions := session.NewRegistry(stateStore, store, logger, sessOpts)

	var client inference.Client
	if cfg.Inference.Endpoint != "" {
		client = inference.NewHTTPClient(cfg.Inference, m)
	} else {
		logger.Warn("Inference endpoint not configured, analyses use synthesized summaries")
	}
	orch := analysis.NewOrchestrator(store, sessions, client, logger, analysis.Options{
		MaxLogs:   cfg.Analysis.MaxLogs,
		MaxTokens: cfg.Analysis.MaxTokens,
		Metrics:   m,
	})

	// 分析队列：配置了 NATS 时使用 JetStream，否则使用进程内队列
	var q bus
	var source queue.Source
	if cfg.Events.NatsURL != "" {
		natsBus, err := queue.Connect(cfg.Events, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		pull, err := natsBus.Subscribe()
		if err != nil {
			logger.WithError(err).Fatal("Failed to subscribe to analysis subject")
		}
		defer pull.Close()
		q, source = natsBus, pull
	} else {
		logger.Warn("NATS not configured, using in-process analysis queue")
		local := queue.NewLocalBus(1024)
		q, source = local, local
	}

	consumer := queue.NewConsumer(source, orch, store, q, logger, queue.ConsumerOptions{
		BatchSize:      cfg.Events.BatchSize,
		MaxDeliver:     cfg.Events.MaxDeliver,
		RetryBackoff:   cfg.Events.RetryBackoff,
		ProcessTimeout: cfg.Events.AckWait,
		Metrics:        m,
	})

	svc := pipeline.NewService(pipeline.Deps{
		Store:     store,
		Archive:   arc,
		Ingest:    coord,
		Cleanup:   batcher,
		Publisher: q,
		Sessions:  sessions,
		Defaults:  defaults,
		Metrics:   m,
		Logger:    logger,
	})

	cron := scheduler.NewCronManager(logger)
	if cfg.Cleanup.Enabled {
		if err := cleanup.Register(cron, cfg.Cleanup.Schedule, batcher, logger); err != nil {
			logger.WithError(err).Fatal("Failed to schedule cleanup")
		}
	}
	if cfg.Analysis.Enabled && cfg.Analysis.Schedule != "" {
		if err := pipeline.RegisterScheduledAnalyses(cron, cfg.Analysis.Schedule, cfg.Analysis.ScheduledWindow, svc, logger); err != nil {
			logger.WithError(err).Fatal("Failed to schedule analyses")
		}
	}
	cron.Start()

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(consumerCtx); err != nil {
			logger.WithError(err).Error("Analysis consumer stopped")
		}
	}()

	router := api.NewRouter(&api.RouterConfig{
		Handler:     api.NewHandler(svc, logger),
		Metrics:     m,
		ServiceName: cfg.Telemetry.ServiceName,
		Logger:      logger,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先停止接收新请求，再停止后台任务，最后等待归档写入完成后关闭存储
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	// 停止拉取新消息，正在执行的分析会完成并确认
	stopConsumer()
	select {
	case <-consumerDone:
	case <-ctx.Done():
		// 未确认的消息会在确认等待时间后重新投递
		logger.Warn("Timed out waiting for in-flight analyses")
	}
	cron.Stop(ctx)
	if err := svc.Drain(ctx); err != nil {
		logger.WithError(err).Warn("Pending archive writes did not finish")
	}

	if err := q.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close queue")
	}
	if err := arc.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close archive store")
	}
	if rdb != nil {
		rdb.Close()
	}
	if err := store.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close metadata store")
	}
	if err := tel.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
	logger.Info("logflowd stopped")
}

// openStore 按配置的驱动打开元数据存储
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "postgres":
		return storage.NewPostgresStore(cfg.Storage.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
