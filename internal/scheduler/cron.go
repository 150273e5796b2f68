// Package scheduler 管理管道中的周期性任务（过期日志清理、定时分析）。
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job 定时任务，ctx 在调度器停止时被取消
type Job func(ctx context.Context)

// CronManager 管理定时任务触发器
type CronManager struct {
	cron    *cron.Cron
	logger  *logrus.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID // jobName -> cronEntryID

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCronManager 创建一个新的 CronManager
func NewCronManager(logger *logrus.Logger) *CronManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &CronManager{
		// 支持秒级；上一次执行未结束时跳过本次触发
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动 Cron 调度器
func (cm *CronManager) Start() {
	cm.cron.Start()
	cm.logger.WithField("jobs", len(cm.entries)).Info("Cron manager started")
}

// AddOrUpdate 添加或替换同名任务
func (cm *CronManager) AddOrUpdate(name, spec string, job Job) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if entryID, ok := cm.entries[name]; ok {
		cm.cron.Remove(entryID)
		delete(cm.entries, name)
	}

	entryID, err := cm.cron.AddFunc(spec, func() {
		start := time.Now()
		cm.logger.WithFields(logrus.Fields{
			"job":  name,
			"cron": spec,
		}).Info("Triggering cron job")

		job(cm.ctx)

		cm.logger.WithFields(logrus.Fields{
			"job":         name,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("Cron job finished")
	})
	if err != nil {
		cm.logger.WithError(err).WithFields(logrus.Fields{
			"job":  name,
			"cron": spec,
		}).Error("Failed to add cron job")
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	cm.entries[name] = entryID
	return nil
}

// Remove 移除任务
func (cm *CronManager) Remove(name string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if entryID, ok := cm.entries[name]; ok {
		cm.cron.Remove(entryID)
		delete(cm.entries, name)
	}
}

// Jobs 返回已注册的任务名称
func (cm *CronManager) Jobs() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	names := make([]string, 0, len(cm.entries))
	for name := range cm.entries {
		names = append(names, name)
	}
	return names
}

// Stop 停止 Cron 调度器，取消运行中任务的上下文并等待它们返回或 ctx 结束
func (cm *CronManager) Stop(ctx context.Context) {
	cm.cancel()
	done := cm.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		cm.logger.Warn("Cron jobs still running at shutdown")
	}
	cm.logger.Info("Cron manager stopped")
}
