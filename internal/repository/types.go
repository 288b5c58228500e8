// 文件路径: internal/repository/types.go
// 模块说明: 这是 internal 模块里的 types 逻辑，定义订阅用户与访问日志的持久化结构。
package repository

// SubConfig 是一条附加订阅来源。
type SubConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// UserSubscription 是单个用户的订阅配置，核心流程只读。
type UserSubscription struct {
	ID                  string
	Token               string
	SubscribeURL        string
	RuleTemplateURL     string
	FileName            string
	Target              string
	MultiPortRegions    []string
	AppendSubscriptions []SubConfig
	ExcludePattern      string
	Disabled            bool
	CreatedAt           int64
	UpdatedAt           int64
}

// SubscriptionLog represents an access log for subscription endpoints.
type SubscriptionLog struct {
	ID        int64
	UserID    string
	IP        string
	UserAgent string
	Target    string
	Mode      string
	Status    int
	Bytes     int
	CreatedAt int64
}
