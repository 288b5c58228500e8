package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/creamcroissant/subrelay/internal/config"
	"github.com/creamcroissant/subrelay/internal/protocol"
	"github.com/creamcroissant/subrelay/internal/support/logging"
)

// Build info - injected via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "subrelay",
	Short:         "Subscription relay for Clash and sing-box",
	Long:          `subrelay merges airport subscriptions into rule templates and serves them per user.`,
	Version:       fmt.Sprintf("%s (%s, built %s)", Version, Commit, BuildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml or /etc/subrelay/config.yaml)")
}

// loadConfig 读取并校验配置，所有子命令共用。
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(logging.Options{
		Level:      cfg.Log.SlogLevel(),
		Format:     cfg.Log.Format,
		AddSource:  cfg.Log.AddSource,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// targetNames 列出已注册的输出格式，用于命令行帮助。
func targetNames() string {
	return strings.Join(protocol.NewDefaultManager(protocol.Options{}).Targets(), " or ")
}
