package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/creamcroissant/subrelay/internal/repository"
)

// SubscriptionLogCleanupJob 删除超过保留期的订阅访问日志。
type SubscriptionLogCleanupJob struct {
	Logs      repository.SubscriptionLogRepository
	Retention time.Duration
	Logger    *slog.Logger
}

// NewSubscriptionLogCleanupJob creates a new SubscriptionLogCleanupJob.
func NewSubscriptionLogCleanupJob(logs repository.SubscriptionLogRepository, retention time.Duration, logger *slog.Logger) *SubscriptionLogCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &SubscriptionLogCleanupJob{Logs: logs, Retention: retention, Logger: logger}
}

// Name implements Runnable interface.
func (j *SubscriptionLogCleanupJob) Name() string {
	return "subscription_log.cleanup"
}

// Run implements Runnable interface.
func (j *SubscriptionLogCleanupJob) Run(ctx context.Context) error {
	if j == nil || j.Logs == nil {
		return fmt.Errorf("subscription log cleanup job dependencies not configured / 订阅日志清理任务依赖未配置")
	}
	cutoff := time.Now().Add(-j.Retention).Unix()
	deleted, err := j.Logs.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("subscription log cleanup job: %w", err)
	}
	if deleted > 0 {
		j.Logger.Info("cleaned up old subscription logs", "deleted_rows", deleted)
	}
	return nil
}
