package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"upload-dispatcher/internal/app"
	"upload-dispatcher/internal/worker"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run housekeeping jobs by hand",
}

func init() {
	maintenanceCmd.AddCommand(&cobra.Command{
		Use:   "run <job>",
		Short: "Run one job: " + strings.Join([]string{worker.JobClean, worker.JobDailyReset, worker.JobReconcile}, ", "),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				m, err := worker.NewMaintenance(a.Cfg, a.Locker, a.Tasks, a.Accounts, a.Log)
				if err != nil {
					return err
				}
				if err := m.RunJob(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("%s done\n", args[0])
				return nil
			})
		},
	})
}
