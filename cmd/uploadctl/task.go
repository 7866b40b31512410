package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"upload-dispatcher/internal/app"
	"upload-dispatcher/internal/apperr"
	"upload-dispatcher/internal/models"
	"upload-dispatcher/internal/tasks"
)

var taskCmd = newTaskCmd()

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Create and manage upload tasks"}
	cmd.AddCommand(
		taskCreateCmd(),
		taskGetCmd(),
		taskListCmd(),
		taskUpdateCmd(),
		taskScheduleCmd(),
		taskCleanCmd(),
		taskEventsCmd(),
		taskStatsCmd(),
		taskActionCmd("cancel", "Cancel a task", (*tasks.Manager).Cancel),
		taskActionCmd("retry", "Retry a failed task", (*tasks.Manager).Retry),
		taskActionCmd("pause", "Hold a queued task out of dispatch", (*tasks.Manager).Pause),
		taskActionCmd("resume", "Re-enqueue a paused task", (*tasks.Manager).Resume),
	)
	return cmd
}

// readPayload decodes the payload variant of kind from raw JSON, or from a file when raw
// starts with "@".
func readPayload(kind models.Kind, raw string) (models.Payload, error) {
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return models.Payload{}, fmt.Errorf("read payload file: %w", err)
		}
		data = b
	}
	var p models.Payload
	var target any
	switch kind {
	case models.KindUpload:
		p.Upload = &models.UploadPayload{}
		target = p.Upload
	case models.KindUpdate:
		p.Update = &models.UpdatePayload{}
		target = p.Update
	case models.KindComment:
		p.Comment = &models.CommentPayload{}
		target = p.Comment
	case models.KindAnalytics:
		p.Analytics = &models.AnalyticsPayload{}
		target = p.Analytics
	default:
		return models.Payload{}, apperr.Validationf("unknown task kind %q", kind)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return models.Payload{}, apperr.Validationf("decode %s payload: %v", kind, err)
	}
	return p, nil
}

func parseAt(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	at, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.Validationf("time %q is not RFC 3339", v)
	}
	return &at, nil
}

func taskCreateCmd() *cobra.Command {
	var kind, priority, payload, at string
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task and hand it to the dispatch queue",
		Example: `  uploadctl task create --kind upload --payload '{"title":"Launch","video_path":"s3://media/launch.mp4"}'
  uploadctl task create --kind comment --priority high --payload @comment.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := readPayload(models.Kind(kind), payload)
			if err != nil {
				return err
			}
			prio, err := models.ParsePriority(priority)
			if err != nil {
				return err
			}
			scheduled, err := parseAt(at)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Create(ctx, tasks.CreateSpec{
					Kind:        models.Kind(kind),
					Priority:    prio,
					Payload:     p,
					ScheduledAt: scheduled,
					MaxAttempts: maxAttempts,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(models.KindUpload), "task kind: upload, update, comment or analytics")
	cmd.Flags().StringVar(&priority, "priority", "normal", "urgent, high, normal or low")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON, or @file")
	cmd.Flags().StringVar(&at, "at", "", "earliest dispatch time (RFC 3339)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (default from config)")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var statuses []string
	var kind, account string
	var page, size int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := models.TaskFilter{Kind: models.Kind(kind), AccountID: account}
			for _, s := range statuses {
				st := models.TaskStatus(s)
				if !st.Valid() {
					return apperr.Validationf("unknown status %q", s)
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Tasks.List(ctx, filter, models.Page{Page: page, PageSize: size})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().StringVar(&account, "account", "", "filter by account id")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "page-size", models.DefaultPageSize, "page size")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var priority, payload string
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a task that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var patch models.TaskPatch
				if cmd.Flags().Changed("priority") {
					prio, err := models.ParsePriority(priority)
					if err != nil {
						return err
					}
					patch.Priority = &prio
				}
				if cmd.Flags().Changed("max-attempts") {
					patch.MaxAttempts = &maxAttempts
				}
				if payload != "" {
					cur, err := a.Tasks.Get(ctx, args[0])
					if err != nil {
						return err
					}
					p, err := readPayload(cur.Kind, payload)
					if err != nil {
						return err
					}
					patch.Payload = &p
				}
				t, err := a.Tasks.Update(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	cmd.Flags().StringVar(&payload, "payload", "", "replacement payload JSON, or @file")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "new attempt budget")
	return cmd
}

func taskScheduleCmd() *cobra.Command {
	var at string
	var in time.Duration
	cmd := &cobra.Command{
		Use:   "schedule <id>",
		Short: "Move the earliest dispatch time of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseAt(at)
			if err != nil {
				return err
			}
			if when == nil {
				if in <= 0 {
					return apperr.Validationf("one of --at or --in is required")
				}
				t := time.Now().Add(in)
				when = &t
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Schedule(ctx, args[0], *when)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "dispatch time (RFC 3339)")
	cmd.Flags().DurationVar(&in, "in", 0, "dispatch after this delay, e.g. 90m")
	return cmd
}

func taskCleanCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete finished tasks older than the retention grace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				g := grace
				if !cmd.Flags().Changed("grace") {
					g = a.Cfg.Tasks.RetentionGrace
				}
				n, err := a.Tasks.Clean(ctx, g)
				if err != nil {
					return err
				}
				cmd.Printf("removed %d tasks\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "retention grace (default from config)")
	return cmd
}

func taskEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Show the audit trail of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				events, err := a.Tasks.Events(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), events)
			})
		},
	}
}

func taskStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Tasks.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func taskActionCmd(use, short string, fn func(*tasks.Manager, context.Context, string) (models.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				t, err := fn(a.Tasks, ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
}
