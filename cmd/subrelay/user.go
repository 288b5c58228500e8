package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/creamcroissant/subrelay/internal/bootstrap"
	"github.com/creamcroissant/subrelay/internal/config"
	"github.com/creamcroissant/subrelay/internal/fetch"
	"github.com/creamcroissant/subrelay/internal/protocol"
	"github.com/creamcroissant/subrelay/internal/region"
	"github.com/creamcroissant/subrelay/internal/repository"
	"github.com/creamcroissant/subrelay/internal/repository/sqlite"
)

// userInput 是 user add/update 的命令行参数。
type userInput struct {
	ID          string
	URL         string
	Template    string
	Target      string
	FileName    string
	Exclude     string
	Regions     []string
	Appends     []string
	Disabled    bool
	RotateToken bool

	// disabledSet 为 false 时保留已有记录的启用状态
	disabledSet bool
}

func init() {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage subscription users",
	}

	var in userInput
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a subscription user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(cfg *config.Config, store *sqlite.Store) error {
				users := store.UserSubscriptions()
				in.disabledSet = cmd.Flags().Changed("disabled")
				var existing *repository.UserSubscription
				if in.ID != "" {
					found, err := users.FindByID(cmd.Context(), in.ID)
					if err != nil && !errors.Is(err, repository.ErrNotFound) {
						return err
					}
					existing = found
				}
				user, err := buildUser(cfg, existing, in)
				if err != nil {
					return err
				}
				if err := users.Save(cmd.Context(), user); err != nil {
					if errors.Is(err, repository.ErrConflict) {
						return fmt.Errorf("token already used by another user, retry with --rotate-token")
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %s saved\ntoken: %s\n", user.ID, user.Token)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&in.ID, "id", "", "user id (generated when empty)")
	addCmd.Flags().StringVar(&in.URL, "url", "", "airport subscription URL")
	addCmd.Flags().StringVar(&in.Template, "template", "", "rule template URL (default template of the target when empty)")
	addCmd.Flags().StringVar(&in.Target, "target", "", "default output format: "+targetNames())
	addCmd.Flags().StringVar(&in.FileName, "file-name", "", "download file name without extension")
	addCmd.Flags().StringVar(&in.Exclude, "exclude", "", "regular expression of node names to drop")
	addCmd.Flags().StringSliceVar(&in.Regions, "regions", nil, "region codes for multiPort mode, in priority order")
	addCmd.Flags().StringArrayVar(&in.Appends, "append", nil, "extra subscription as name=url (repeatable)")
	addCmd.Flags().BoolVar(&in.Disabled, "disabled", false, "disable the user")
	addCmd.Flags().BoolVar(&in.RotateToken, "rotate-token", false, "issue a new opaque token")

	var listLimit, listOffset int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List subscription users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ *config.Config, store *sqlite.Store) error {
				users, err := store.UserSubscriptions().List(cmd.Context(), listLimit, listOffset)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderUsers(users))
				return nil
			})
		},
	}
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "page size")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "page offset")

	var logLimit int
	logsCmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show recent subscription requests of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ *config.Config, store *sqlite.Store) error {
				logs, err := store.SubscriptionLogs().GetRecentLogs(cmd.Context(), args[0], logLimit)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderLogs(logs))
				return nil
			})
		},
	}
	logsCmd.Flags().IntVar(&logLimit, "limit", 20, "number of entries")

	userCmd.AddCommand(addCmd, listCmd, logsCmd)
	rootCmd.AddCommand(userCmd)
}

// withStore 打开数据库并执行迁移，命令行操作与服务端共用同一结构。
func withStore(ctx context.Context, fn func(*config.Config, *sqlite.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := bootstrap.OpenAndMigrate(ctx, cfg.DB.Path, newLogger(cfg))
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(cfg, sqlite.NewStore(db))
}

// buildUser 校验命令行参数并合并到已有记录上；existing 为空时新建。
func buildUser(cfg *config.Config, existing *repository.UserSubscription, in userInput) (*repository.UserSubscription, error) {
	user := &repository.UserSubscription{}
	if existing != nil {
		copied := *existing
		user = &copied
	}
	if user.ID == "" {
		user.ID = strings.TrimSpace(in.ID)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Token == "" || in.RotateToken {
		user.Token = newOpaqueToken()
	}

	if in.URL != "" {
		user.SubscribeURL = strings.TrimSpace(in.URL)
	}
	if _, err := fetch.ParseAbsolute(user.SubscribeURL); err != nil {
		return nil, fmt.Errorf("--url: %w", err)
	}
	if in.Template != "" {
		if _, err := fetch.ParseAbsolute(in.Template); err != nil {
			return nil, fmt.Errorf("--template: %w", err)
		}
		user.RuleTemplateURL = strings.TrimSpace(in.Template)
	}
	if in.Target != "" {
		target, err := protocol.ParseTarget(in.Target)
		if err != nil {
			return nil, fmt.Errorf("--target: %w", err)
		}
		user.Target = target.String()
	}
	if in.FileName != "" {
		user.FileName = strings.TrimSpace(in.FileName)
	}
	if in.Exclude != "" {
		if _, err := regexp.Compile(in.Exclude); err != nil {
			return nil, fmt.Errorf("--exclude: %w", err)
		}
		user.ExcludePattern = in.Exclude
	}
	if len(in.Regions) > 0 {
		splitter, err := bootstrap.BuildSplitter(cfg.Regions)
		if err != nil {
			return nil, err
		}
		if _, err := splitter.Select(in.Regions); err != nil {
			configured := lo.Map(splitter.Areas(), func(a region.AreaCode, _ int) string { return a.Code })
			return nil, fmt.Errorf("--regions: %w (configured: %s)", err, strings.Join(configured, ","))
		}
		user.MultiPortRegions = lo.Map(in.Regions, func(code string, _ int) string {
			return strings.ToUpper(strings.TrimSpace(code))
		})
	}
	if len(in.Appends) > 0 {
		appends, err := parseAppends(in.Appends)
		if err != nil {
			return nil, err
		}
		user.AppendSubscriptions = appends
	}
	if in.disabledSet || existing == nil {
		user.Disabled = in.Disabled
	}
	return user, nil
}

// parseAppends 解析 name=url 形式的附加订阅。
func parseAppends(raw []string) ([]repository.SubConfig, error) {
	out := make([]repository.SubConfig, 0, len(raw))
	for _, item := range raw {
		name, rawURL, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("--append %q: expected name=url", item)
		}
		if _, err := fetch.ParseAbsolute(rawURL); err != nil {
			return nil, fmt.Errorf("--append %s: %w", name, err)
		}
		out = append(out, repository.SubConfig{Name: name, URL: strings.TrimSpace(rawURL)})
	}
	return out, nil
}

func newOpaqueToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

func renderUsers(users []*repository.UserSubscription) string {
	t := newTable("ID", "TARGET", "REGIONS", "APPENDS", "STATUS", "UPDATED")
	for _, u := range users {
		status := "active"
		if u.Disabled {
			status = "disabled"
		}
		target := u.Target
		if target == "" {
			target = "-"
		}
		t.Row(
			u.ID,
			target,
			strings.Join(u.MultiPortRegions, ","),
			strconv.Itoa(len(u.AppendSubscriptions)),
			status,
			time.Unix(u.UpdatedAt, 0).Format(time.DateTime),
		)
	}
	return t.String()
}

func renderLogs(logs []*repository.SubscriptionLog) string {
	t := newTable("TIME", "IP", "TARGET", "MODE", "STATUS", "BYTES", "USER AGENT")
	for _, l := range logs {
		t.Row(
			time.Unix(l.CreatedAt, 0).Format(time.DateTime),
			l.IP,
			l.Target,
			l.Mode,
			strconv.Itoa(l.Status),
			strconv.Itoa(l.Bytes),
			l.UserAgent,
		)
	}
	return t.String()
}
