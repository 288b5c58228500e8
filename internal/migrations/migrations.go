// 文件路径: internal/migrations/migrations.go
// 模块说明: 这是 internal 模块里的 migrations 逻辑，内嵌 SQLite 迁移脚本并通过 goose 执行。
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

// SQLite embeds all SQLite-specific migration files.
//
//go:embed sqlite/*.sql
var SQLite embed.FS

const (
	dialect = "sqlite3"
	dir     = "sqlite"
)

// goose 的方言与文件系统是包级全局状态
var gooseMu sync.Mutex

func withGoose(fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(SQLite)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return fn()
}

// Up migrates the SQLite schema to the latest version.
func Up(ctx context.Context, db *sql.DB) error {
	return withGoose(func() error {
		return goose.UpContext(ctx, db, dir)
	})
}

// Down rolls back a single migration.
func Down(ctx context.Context, db *sql.DB) error {
	return withGoose(func() error {
		return goose.DownContext(ctx, db, dir)
	})
}

// Status prints migration status through goose's logger.
func Status(ctx context.Context, db *sql.DB) error {
	return withGoose(func() error {
		return goose.StatusContext(ctx, db, dir)
	})
}

// Version 返回当前已应用的迁移版本。
func Version(ctx context.Context, db *sql.DB) (int64, error) {
	var version int64
	err := withGoose(func() error {
		v, err := goose.GetDBVersionContext(ctx, db)
		version = v
		return err
	})
	return version, err
}
