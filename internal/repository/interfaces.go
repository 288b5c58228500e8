// 文件路径: internal/repository/interfaces.go
// 模块说明: 这是 internal 模块里的 interfaces 逻辑，声明存储层对外暴露的仓储接口。
package repository

import "context"

// Store 聚合所有仓储。
type Store interface {
	UserSubscriptions() UserSubscriptionRepository
	SubscriptionLogs() SubscriptionLogRepository
}

// UserSubscriptionRepository 管理用户订阅配置。
type UserSubscriptionRepository interface {
	FindByID(ctx context.Context, id string) (*UserSubscription, error)
	FindByToken(ctx context.Context, token string) (*UserSubscription, error)
	Save(ctx context.Context, user *UserSubscription) error
	List(ctx context.Context, limit, offset int) ([]*UserSubscription, error)
}

// SubscriptionLogRepository 记录订阅访问日志。
type SubscriptionLogRepository interface {
	Log(ctx context.Context, log *SubscriptionLog) error
	GetRecentLogs(ctx context.Context, userID string, limit int) ([]*SubscriptionLog, error)
	DeleteBefore(ctx context.Context, before int64) (int64, error)
}
