// 文件路径: internal/repository/sqlite/store.go
// 模块说明: 这是 internal 模块里的 store 逻辑，组装基于 SQLite 的仓储实现。
package sqlite

import (
	"database/sql"

	"github.com/creamcroissant/subrelay/internal/repository"
)

// Store wires SQLite-backed repository implementations.
type Store struct {
	db      *sql.DB
	users   repository.UserSubscriptionRepository
	subLogs repository.SubscriptionLogRepository
}

var _ repository.Store = (*Store)(nil)

// NewStore constructs a SQLite-backed repository store.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:      db,
		users:   &userSubscriptionRepo{db: db},
		subLogs: &subscriptionLogRepo{db: db},
	}
}

func (s *Store) UserSubscriptions() repository.UserSubscriptionRepository {
	return s.users
}

func (s *Store) SubscriptionLogs() repository.SubscriptionLogRepository {
	return s.subLogs
}

// DB 返回底层连接，供迁移等场景使用。
func (s *Store) DB() *sql.DB {
	return s.db
}
