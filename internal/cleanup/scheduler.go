package cleanup

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/oriys/logflow/internal/scheduler"
)

// JobName cron 中清理任务的名称
const JobName = "log-cleanup"

// Register 把清理任务注册到 cron 调度器
func Register(cm *scheduler.CronManager, spec string, b *Batcher, logger *logrus.Logger) error {
	return cm.AddOrUpdate(JobName, spec, func(ctx context.Context) {
		if _, err := b.RunOnce(ctx); err != nil {
			logger.WithError(err).Error("Scheduled log cleanup failed")
		}
	})
}
