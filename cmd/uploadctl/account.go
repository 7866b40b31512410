package main

import (
	"context"

	"github.com/spf13/cobra"

	"upload-dispatcher/internal/accounts"
	"upload-dispatcher/internal/app"
	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/models"
)

var accountCmd = newAccountCmd()

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "account", Short: "Register and manage uploader accounts"}
	cmd.AddCommand(
		accountRegisterCmd(),
		accountGetCmd(),
		accountListCmd(),
		accountUpdateCmd(),
		accountResetDailyCmd(),
		accountStatsCmd(),
		accountActionCmd("suspend", "Take an account out of rotation", (*accounts.Registry).Suspend),
		accountActionCmd("reactivate", "Return an account to rotation", (*accounts.Registry).Reactivate),
		accountActionCmd("remove", "Soft-delete an account", (*accounts.Registry).Remove),
	)
	return cmd
}

func accountRegisterCmd() *cobra.Command {
	var identity, binding string
	var dailyLimit, health int
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an account bound to a browser profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec := accounts.RegisterSpec{Identity: identity, ResourceBinding: binding, DailyLimit: dailyLimit}
			if cmd.Flags().Changed("health") {
				spec.HealthScore = &health
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				acct, err := a.Accounts.Register(ctx, spec)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), acct)
			})
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "login identity")
	cmd.Flags().StringVar(&binding, "binding", "", "browser profile name")
	cmd.Flags().IntVar(&dailyLimit, "daily-limit", 0, "uploads per day (default from config)")
	cmd.Flags().IntVar(&health, "health", models.MaxHealth, "initial health score")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func accountGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				acct, err := a.Accounts.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), acct)
			})
		},
	}
}

func accountListCmd() *cobra.Command {
	var statuses []string
	var removed bool
	var page, size int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := models.AccountFilter{IncludeRemoved: removed}
			for _, s := range statuses {
				switch st := models.AccountStatus(s); st {
				case models.AccountActive, models.AccountLimited, models.AccountSuspended, models.AccountError:
					filter.Statuses = append(filter.Statuses, st)
				default:
					return apperr.Validationf("unknown account status %q", s)
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Accounts.List(ctx, filter, models.Page{Page: page, PageSize: size})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().BoolVar(&removed, "include-removed", false, "include removed accounts")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "page-size", models.DefaultPageSize, "page size")
	return cmd
}

func accountUpdateCmd() *cobra.Command {
	var identity, binding string
	var dailyLimit int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit operator fields of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch models.AccountPatch
			if cmd.Flags().Changed("identity") {
				patch.Identity = &identity
			}
			if cmd.Flags().Changed("binding") {
				patch.ResourceBinding = &binding
			}
			if cmd.Flags().Changed("daily-limit") {
				patch.DailyLimit = &dailyLimit
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				acct, err := a.Accounts.Update(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), acct)
			})
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "new login identity")
	cmd.Flags().StringVar(&binding, "binding", "", "new browser profile name")
	cmd.Flags().IntVar(&dailyLimit, "daily-limit", 0, "new daily limit")
	return cmd
}

func accountResetDailyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-daily",
		Short: "Zero every daily counter now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Accounts.ResetDailyCounters(ctx)
				if err != nil {
					return err
				}
				cmd.Printf("reset %d accounts\n", n)
				return nil
			})
		},
	}
}

func accountStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the account registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Accounts.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func accountActionCmd(use, short string, fn func(*accounts.Registry, context.Context, string) (models.Account, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				acct, err := fn(a.Accounts, ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), acct)
			})
		},
	}
}
