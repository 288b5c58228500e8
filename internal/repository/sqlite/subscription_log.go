package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/creamcroissant/subrelay/internal/repository"
)

type subscriptionLogRepo struct {
	db *sql.DB
}

func (r *subscriptionLogRepo) Log(ctx context.Context, log *repository.SubscriptionLog) error {
	const query = `INSERT INTO subscription_logs (
		user_id, client_ip, user_agent, target, mode, status, bytes, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if log.CreatedAt == 0 {
		log.CreatedAt = time.Now().Unix()
	}

	res, err := r.db.ExecContext(ctx, query,
		log.UserID,
		log.IP,
		log.UserAgent,
		log.Target,
		log.Mode,
		log.Status,
		log.Bytes,
		log.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	log.ID = id
	return nil
}

func (r *subscriptionLogRepo) GetRecentLogs(ctx context.Context, userID string, limit int) ([]*repository.SubscriptionLog, error) {
	const query = `SELECT
		id, user_id, client_ip, user_agent, target, mode, status, bytes, created_at
		FROM subscription_logs
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*repository.SubscriptionLog
	for rows.Next() {
		var log repository.SubscriptionLog
		if err := rows.Scan(
			&log.ID,
			&log.UserID,
			&log.IP,
			&log.UserAgent,
			&log.Target,
			&log.Mode,
			&log.Status,
			&log.Bytes,
			&log.CreatedAt,
		); err != nil {
			return nil, err
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// DeleteBefore 清理早于 before（Unix 秒）的日志，返回删除行数。
func (r *subscriptionLogRepo) DeleteBefore(ctx context.Context, before int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM subscription_logs WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
