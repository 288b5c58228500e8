package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/creamcroissant/subrelay/internal/auth/token"
	"github.com/creamcroissant/subrelay/internal/bootstrap"
	"github.com/creamcroissant/subrelay/internal/config"
	"github.com/creamcroissant/subrelay/internal/protocol"
	"github.com/creamcroissant/subrelay/internal/repository/sqlite"
)

func init() {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue signed subscription links",
	}

	var (
		issueTarget  string
		issueTTL     time.Duration
		issueBaseURL string
	)
	issueCmd := &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Issue a signed subscription token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if issueTarget != "" {
				if _, err := protocol.ParseTarget(issueTarget); err != nil {
					return fmt.Errorf("--target: %w", err)
				}
			}
			return withStore(cmd.Context(), func(cfg *config.Config, store *sqlite.Store) error {
				user, err := store.UserSubscriptions().FindByID(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("find user %s: %w", args[0], err)
				}
				signingKey, _, err := bootstrap.ResolveSigningKey(cmd.Context(), store.DB(), cfg.Auth, time.Now)
				if err != nil {
					return err
				}
				manager, err := token.NewManager(token.Options{
					SigningKey: []byte(signingKey),
					Issuer:     cfg.Auth.Issuer,
					Audience:   cfg.Auth.Audience,
					TTL:        cfg.Auth.TokenTTL,
					Leeway:     cfg.Auth.Leeway,
				})
				if err != nil {
					return err
				}
				signed, claims, err := manager.Issue(token.IssueInput{Subject: user.ID, Target: issueTarget, TTL: issueTTL})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "token:   %s\nexpires: %s\n", signed, claims.ExpiresAt.Time.Format(time.RFC3339))
				if issueBaseURL != "" {
					fmt.Fprintf(out, "link:    %s\n", subscriptionLink(issueBaseURL, user.ID, signed))
				}
				return nil
			})
		},
	}
	issueCmd.Flags().StringVar(&issueTarget, "target", "", "default output format carried in the token: "+targetNames())
	issueCmd.Flags().DurationVar(&issueTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
	issueCmd.Flags().StringVar(&issueBaseURL, "base-url", "", "public base URL used to print the full link")

	tokenCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(tokenCmd)
}

func subscriptionLink(base, uid, signed string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(uid) + "?token=" + url.QueryEscape(signed)
}
