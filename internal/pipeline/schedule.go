package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/logflow/internal/scheduler"
)

// ScheduledAnalysisJob cron 中定时分析任务的名称
const ScheduledAnalysisJob = "scheduled-analysis"

// RegisterScheduledAnalyses 注册定时分析任务
func RegisterScheduledAnalyses(cm *scheduler.CronManager, spec string, window time.Duration, svc *Service, logger *logrus.Logger) error {
	return cm.AddOrUpdate(ScheduledAnalysisJob, spec, func(ctx context.Context) {
		n, err := svc.ScheduleAnalyses(ctx, window)
		if err != nil {
			logger.WithError(err).Error("Scheduled analyses failed")
			return
		}
		logger.WithField("enqueued", n).Info("Scheduled analyses enqueued")
	})
}
