package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"market-analysis-bot/internal/license"
	"market-analysis-bot/internal/model"
	"market-analysis-bot/internal/service"
)

// withApp 打开存储后执行 fn，操作以 cli 身份写入审计日志
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := service.WithActor(cmd.Context(), service.Actor{Name: "cli"})
	a, err := openApp(ctx, opts.cfg, opts.log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newKeysCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage license keys",
	}

	cmd.AddCommand(newKeysGenerateCommand(opts))
	cmd.AddCommand(newKeysRevokeCommand(opts))
	cmd.AddCommand(newKeysShowCommand(opts))
	cmd.AddCommand(newKeysListCommand(opts))
	cmd.AddCommand(newKeysExportCommand(opts))
	return cmd
}

func newKeysGenerateCommand(opts *rootOptions) *cobra.Command {
	var (
		tier  string
		count int
		note  string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Issue new license keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 || count > 1000 {
				return errors.New("--count must be between 1 and 1000")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				keys, err := a.engine.Issue(ctx, model.Tier(strings.ToLower(tier)), count, note)
				if err != nil {
					return err
				}
				for _, k := range keys {
					cmd.Println(k.KeyString)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tier, "tier", string(model.TierTrial), "Tier: trial, standard, premium or lifetime")
	cmd.Flags().IntVar(&count, "count", 1, "Number of keys to issue")
	cmd.Flags().StringVar(&note, "note", "", "Free-form note stored with each key")
	return cmd
}

func newKeysRevokeCommand(opts *rootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "revoke KEY",
		Short: "Revoke a license key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				key, err := a.engine.Activator.Revoke(ctx, args[0], reason)
				if err != nil {
					return err
				}
				cmd.Printf("Revoked %s (user %s)\n", key.KeyString, orDash(key.User()))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the revocation")
	return cmd
}

func newKeysShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show KEY",
		Short: "Show a license key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				key, err := a.engine.Store.Get(ctx, license.NormalizeKey(args[0]))
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Key:\t%s\n", key.KeyString)
				fmt.Fprintf(w, "Tier:\t%s\n", key.Tier)
				fmt.Fprintf(w, "Status:\t%s\n", key.Status)
				fmt.Fprintf(w, "User:\t%s\n", orDash(key.User()))
				fmt.Fprintf(w, "Issued:\t%s\n", formatTime(&key.IssuedAt))
				fmt.Fprintf(w, "Valid until:\t%s\n", formatTime(key.ValidUntil))
				fmt.Fprintf(w, "Activated:\t%s\n", formatTime(key.ActivatedAt))
				if key.RevokedAt != nil {
					fmt.Fprintf(w, "Revoked:\t%s (%s)\n", formatTime(key.RevokedAt), orDash(key.RevokeReason))
				}
				if key.Note != "" {
					fmt.Fprintf(w, "Note:\t%s\n", key.Note)
				}
				return w.Flush()
			})
		},
	}
}

func newKeysListCommand(opts *rootOptions) *cobra.Command {
	var (
		status string
		tier   string
		user   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List license keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				keys, total, err := a.engine.Store.List(ctx, license.ListFilter{
					Status: model.Status(status),
					Tier:   model.Tier(tier),
					UserID: user,
					Limit:  limit,
				})
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tTIER\tSTATUS\tUSER\tVALID UNTIL")
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", k.KeyString, k.Tier, k.Status, orDash(k.User()), formatTime(k.ValidUntil))
				}
				if err := w.Flush(); err != nil {
					return err
				}
				cmd.Printf("%d of %d keys\n", len(keys), total)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&tier, "tier", "", "Filter by tier")
	cmd.Flags().StringVar(&user, "user", "", "Filter by assigned user id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of keys to print")
	return cmd
}

func newKeysExportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Overwrite the configured Google Sheet with every license key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if a.sheets == nil {
					return errors.New("sheets.enabled is false")
				}
				keys, _, err := a.engine.Store.List(ctx, license.ListFilter{})
				if err != nil {
					return err
				}
				if err := a.sheets.BatchSyncLicenses(ctx, keys); err != nil {
					return err
				}
				cmd.Printf("Exported %d keys\n", len(keys))
				return nil
			})
		},
	}
}

func newUsageCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect per-user quota usage",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show USER",
		Short: "Show a user's license and usage in the current window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				d, err := a.engine.Status(ctx, args[0])
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "User:\t%s\n", d.UserID)
				if d.Tier == "" {
					fmt.Fprintf(w, "License:\tnone\n")
					return w.Flush()
				}
				fmt.Fprintf(w, "Tier:\t%s\n", d.Tier)
				fmt.Fprintf(w, "Allowed:\t%t %s\n", d.Allowed, d.Reason)
				fmt.Fprintf(w, "Valid until:\t%s\n", formatTime(d.ValidUntil))
				if d.Quota > 0 {
					fmt.Fprintf(w, "Used today:\t%d / %d\n", d.Used, d.Quota)
				} else {
					fmt.Fprintf(w, "Used today:\tunlimited\n")
				}
				fmt.Fprintf(w, "Window resets:\t%s\n", a.engine.Window.End(time.Now()).Format(time.RFC3339))
				return w.Flush()
			})
		},
	})
	return cmd
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
