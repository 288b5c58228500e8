package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"github.com/creamcroissant/subrelay/internal/bootstrap"
	"github.com/creamcroissant/subrelay/internal/migrations"
)

func init() {
	// Migrate
	var migrateCmd = &cobra.Command{
		Use:   "migrate [up|down|status|version]",
		Short: "Database migration management",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := bootstrap.OpenSQLite(cfg.DB.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Using DB path: %s\n", cfg.DB.Path)

			action := "up"
			if len(args) > 0 {
				action = args[0]
			}
			return runMigrate(cmd.Context(), db, action, cmd.OutOrStdout())
		},
	}
	rootCmd.AddCommand(migrateCmd)

	// Backup
	var backupOutput string
	var backupCompress bool
	var backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Backup database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := bootstrap.OpenSQLite(cfg.DB.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			target, err := backupDatabase(cmd.Context(), db, backupOutput, backupCompress, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup created at %s\n", target)
			return nil
		},
	}
	backupCmd.Flags().StringVar(&backupOutput, "output", "", "Output file path")
	backupCmd.Flags().BoolVar(&backupCompress, "compress", false, "Compress output with gzip")
	rootCmd.AddCommand(backupCmd)
}

func runMigrate(ctx context.Context, db *sql.DB, action string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	switch action {
	case "up":
		return migrations.Up(ctx, db)
	case "down":
		return migrations.Down(ctx, db)
	case "status":
		return migrations.Status(ctx, db)
	case "version":
		version, err := migrations.Version(ctx, db)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "schema version: %d\n", version)
		return nil
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}
}

// backupDatabase 用 VACUUM INTO 生成一致快照，可选 gzip 压缩。
func backupDatabase(ctx context.Context, db *sql.DB, output string, compress bool, now time.Time) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target := output
	if target == "" {
		backupDir := "data/backups"
		if err := os.MkdirAll(backupDir, 0o755); err != nil {
			return "", fmt.Errorf("create backup dir: %w", err)
		}
		ext := ".db"
		if compress {
			ext += ".gz"
		}
		target = filepath.Join(backupDir, fmt.Sprintf("subrelay_%s%s", now.Format("20060102_150405"), ext))
	}

	snapshot := target
	if compress {
		if strings.HasSuffix(target, ".gz") {
			snapshot = strings.TrimSuffix(target, ".gz")
		} else {
			snapshot = target + ".tmp"
		}
	}

	// VACUUM INTO 不接受绑定参数，路径里的单引号需要转义
	quoted := strings.ReplaceAll(snapshot, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return "", fmt.Errorf("sqlite vacuum into: %w", err)
	}

	if compress {
		defer os.Remove(snapshot)
		if err := compressFile(snapshot, target); err != nil {
			return "", err
		}
	}
	return target, nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	defer out.Close()

	zw, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		return err
	}
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		return fmt.Errorf("compress backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress backup: %w", err)
	}
	return out.Sync()
}
