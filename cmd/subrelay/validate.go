package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/creamcroissant/subrelay/internal/fetch"
	"github.com/creamcroissant/subrelay/internal/protocol"
	"github.com/creamcroissant/subrelay/internal/template"
)

var (
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#22C55E"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	labelStyle = lipgloss.NewStyle().Faint(true).Width(9)
)

func init() {
	var target string
	validateCmd := &cobra.Command{
		Use:   "validate <file|url>",
		Short: "Check a Clash or sing-box document for structural problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			source := args[0]
			content, err := readDocument(cmd.Context(), source, fetch.Options{
				Timeout:      cfg.Fetch.Timeout,
				UserAgent:    cfg.Fetch.UserAgent,
				MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
			})
			if err != nil {
				return err
			}
			t, err := guessTarget(source, target)
			if err != nil {
				return err
			}

			result := template.NewValidator().Report(content, t)
			fmt.Fprintln(cmd.OutOrStdout(), renderReport(source, t, len(content), result))
			if !result.Valid {
				return fmt.Errorf("%s is not a valid %s document", source, t)
			}
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&target, "target", "t", "", targetNames()+" (guessed from the extension when empty)")
	rootCmd.AddCommand(validateCmd)
}

func readDocument(ctx context.Context, source string, opts fetch.Options) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		if ctx == nil {
			ctx = context.Background()
		}
		doc, err := fetch.NewHTTPFetcher(opts).Fetch(ctx, source)
		if err != nil {
			return nil, err
		}
		return doc.Body, nil
	}
	content, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", source, err)
	}
	return content, nil
}

// guessTarget 优先使用显式参数，否则 .json 视为 sing-box，其余视为 Clash。
func guessTarget(source, explicit string) (protocol.Target, error) {
	if explicit != "" {
		return protocol.ParseTarget(explicit)
	}
	if strings.EqualFold(filepath.Ext(source), ".json") {
		return protocol.TargetSingbox, nil
	}
	return protocol.TargetClash, nil
}

func renderReport(source string, target protocol.Target, size int, result *template.ValidationResult) string {
	var b strings.Builder
	status := okStyle.Render("VALID")
	if !result.Valid {
		status = failStyle.Render("INVALID")
	}
	line := func(label, value string) {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value))
		b.WriteString("\n")
	}
	line("source", source)
	line("target", target.String())
	line("size", units.HumanSize(float64(size)))
	line("proxies", fmt.Sprint(result.Proxies))
	line("status", status)
	for _, e := range result.Errors {
		line("error", failStyle.Render(e))
	}
	for _, w := range result.Warnings {
		line("warning", warnStyle.Render(w))
	}
	return strings.TrimRight(b.String(), "\n")
}
