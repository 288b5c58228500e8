// 文件路径: internal/repository/sqlite/user_subscription.go
// 模块说明: 这是 internal 模块里的 user_subscription 逻辑，负责 user_subscriptions 表的读写。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/creamcroissant/subrelay/internal/repository"
)

// userSubscriptionRepo 负责 user_subscriptions 表的 SQLite 实现。
type userSubscriptionRepo struct {
	db *sql.DB
}

const userSubscriptionColumns = `id, token, subscribe_url, rule_template_url, file_name, target,
	multi_port_regions, append_subscriptions, exclude_pattern, disabled, created_at, updated_at`

func (r *userSubscriptionRepo) FindByID(ctx context.Context, id string) (*repository.UserSubscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userSubscriptionColumns+` FROM user_subscriptions WHERE id = ?`, id)
	return scanUserSubscription(row)
}

func (r *userSubscriptionRepo) FindByToken(ctx context.Context, token string) (*repository.UserSubscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userSubscriptionColumns+` FROM user_subscriptions WHERE token = ?`, token)
	return scanUserSubscription(row)
}

func (r *userSubscriptionRepo) Save(ctx context.Context, user *repository.UserSubscription) error {
	// Upsert 用户记录，维护更新时间。
	const stmt = `INSERT INTO user_subscriptions(` + userSubscriptionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		token = excluded.token,
		subscribe_url = excluded.subscribe_url,
		rule_template_url = excluded.rule_template_url,
		file_name = excluded.file_name,
		target = excluded.target,
		multi_port_regions = excluded.multi_port_regions,
		append_subscriptions = excluded.append_subscriptions,
		exclude_pattern = excluded.exclude_pattern,
		disabled = excluded.disabled,
		updated_at = excluded.updated_at`

	if user == nil {
		return fmt.Errorf("user subscription is nil")
	}
	now := time.Now().Unix()
	if user.CreatedAt == 0 {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	regions, err := encodeJSON(user.MultiPortRegions)
	if err != nil {
		return fmt.Errorf("encode regions: %w", err)
	}
	appends, err := encodeJSON(user.AppendSubscriptions)
	if err != nil {
		return fmt.Errorf("encode append subscriptions: %w", err)
	}

	_, err = r.db.ExecContext(ctx, stmt,
		user.ID,
		user.Token,
		user.SubscribeURL,
		user.RuleTemplateURL,
		user.FileName,
		user.Target,
		regions,
		appends,
		user.ExcludePattern,
		boolToInt(user.Disabled),
		user.CreatedAt,
		user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

func (r *userSubscriptionRepo) List(ctx context.Context, limit, offset int) ([]*repository.UserSubscription, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userSubscriptionColumns+` FROM user_subscriptions ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*repository.UserSubscription
	for rows.Next() {
		user, err := scanUserSubscription(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserSubscription(row rowScanner) (*repository.UserSubscription, error) {
	var (
		user     repository.UserSubscription
		regions  sql.NullString
		appends  sql.NullString
		disabled int
	)
	if err := row.Scan(
		&user.ID,
		&user.Token,
		&user.SubscribeURL,
		&user.RuleTemplateURL,
		&user.FileName,
		&user.Target,
		&regions,
		&appends,
		&user.ExcludePattern,
		&disabled,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var err error
	if user.MultiPortRegions, err = decodeJSON[string](regions); err != nil {
		return nil, fmt.Errorf("decode regions for %s: %w", user.ID, err)
	}
	if user.AppendSubscriptions, err = decodeJSON[repository.SubConfig](appends); err != nil {
		return nil, fmt.Errorf("decode append subscriptions for %s: %w", user.ID, err)
	}
	user.Disabled = disabled == 1
	return &user, nil
}
