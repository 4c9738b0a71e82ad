package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fleet-orchestrator/internal/app"
	"fleet-orchestrator/internal/maintenance"
	"fleet-orchestrator/internal/models"
	"fleet-orchestrator/internal/report"
)

func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Args:  cobra.NoArgs,
		Short: "Inspect and replay dead-lettered jobs",
	}

	var offset, limit int64
	list := &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "List dead letters, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd, func(ctx context.Context, s *app.Stack) error {
				items, err := s.Orch.Retry().DeadLetters(ctx, offset, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, items)
			})
		},
	}
	list.Flags().Int64Var(&offset, "offset", 0, "entries to skip")
	list.Flags().Int64Var(&limit, "limit", 50, "maximum entries")

	replay := &cobra.Command{
		Use:   "replay <job-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Re-enqueue a dead-lettered job with a fresh attempt budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, func(ctx context.Context, s *app.Stack) error {
				job, err := s.Orch.Retry().Replay(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSON(cmd, job)
			})
		},
	}

	var days int
	purge := &cobra.Command{
		Use:   "purge",
		Args:  cobra.NoArgs,
		Short: "Delete dead letters older than N days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd, func(ctx context.Context, s *app.Stack) error {
				n, err := s.Orch.Retry().Purge(ctx, time.Duration(days)*24*time.Hour, actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d dead letters\n", n)
				return nil
			})
		},
	}
	purge.Flags().IntVar(&days, "older-than-days", 30, "minimum age in days of purged entries")

	cmd.AddCommand(list, replay, purge)
	return cmd
}

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Args:  cobra.NoArgs,
		Short: "Fleet health snapshots",
	}
	show := &cobra.Command{
		Use:   "show",
		Args:  cobra.NoArgs,
		Short: "Print the latest snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd, func(ctx context.Context, s *app.Stack) error {
				snap, err := s.Monitor.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, snap)
			})
		},
	}
	refresh := &cobra.Command{
		Use:   "refresh",
		Args:  cobra.NoArgs,
		Short: "Probe every resource now and print the snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd, func(ctx context.Context, s *app.Stack) error {
				snap, err := s.Monitor.Refresh(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, snap)
			})
		},
	}
	cmd.AddCommand(show, refresh)
	return cmd
}

func newReportCommand() *cobra.Command {
	var from, to string
	var export bool
	cmd := &cobra.Command{
		Use:   "report",
		Args:  cobra.NoArgs,
		Short: "Generate a queue and health report for a period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			end := time.Now().UTC()
			if to != "" {
				t, err := time.Parse(time.RFC3339, to)
				if err != nil {
					return fmt.Errorf("--to: %w", err)
				}
				end = t
			}
			start := end.Add(-24 * time.Hour)
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				start = t
			}
			return withStack(cmd, func(ctx context.Context, s *app.Stack) error {
				rep, err := s.Reports.Generate(ctx, start, end)
				if err != nil {
					return err
				}
				if !export {
					return printJSON(cmd, rep)
				}
				exp, err := report.NewExporter(ctx, s.Config)
				if err != nil {
					return err
				}
				location, err := report.Export(ctx, exp, rep)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), location)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "period start, RFC 3339 (default: 24h before --to)")
	cmd.Flags().StringVar(&to, "to", "", "period end, RFC 3339 (default: now)")
	cmd.Flags().BoolVar(&export, "export", false, "upload the report instead of printing it")
	return cmd
}

func newRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rules",
		Args:    cobra.NoArgs,
		Aliases: []string{"rule"},
		Short:   "Manage alert rules",
	}

	list := &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "List alert rules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd, func(ctx context.Context, s *app.Stack) error {
				rules, err := s.Alerts.Rules(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, rules)
			})
		},
	}

	var rule models.AlertRule
	var comparison, severity string
	set := &cobra.Command{
		Use:   "set <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Create or replace an alert rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			rule.Name = args[0]
			rule.Comparison = models.Comparison(comparison)
			rule.Severity = models.Severity(severity)
			return withStack(cmd, func(ctx context.Context, s *app.Stack) error {
				saved, err := s.Alerts.ConfigureRule(ctx, rule)
				if err != nil {
					return err
				}
				return printJSON(cmd, saved)
			})
		},
	}
	f := set.Flags()
	f.StringVar(&rule.Metric, "metric", "", "metric name, score or status")
	f.StringVar(&rule.Resource, "resource", "", "resource id (empty matches every resource)")
	f.StringVar(&comparison, "comparison", string(models.CompareGT), "gt, gte, lt, lte or eq")
	f.Float64Var(&rule.Threshold, "threshold", 0, "threshold value")
	f.StringVar(&severity, "severity", string(models.SeverityWarning), "info, warning or critical")
	f.DurationVar(&rule.Cooldown, "cooldown", 5*time.Minute, "minimum gap between notifications")
	f.StringSliceVar(&rule.Channels, "channel", []string{app.ChannelLog}, "notification channels")
	f.BoolVar(&rule.NotifyResolved, "notify-resolved", false, "also notify when the condition clears")
	f.BoolVar(&rule.Disabled, "disabled", false, "store the rule without evaluating it")
	_ = set.MarkFlagRequired("metric")

	del := &cobra.Command{
		Use:   "delete <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Delete an alert rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, func(ctx context.Context, s *app.Stack) error {
				return s.Alerts.DeleteRule(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(list, set, del)
	return cmd
}

func newMaintenanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Args:  cobra.NoArgs,
		Short: "Run maintenance sweeps on demand",
	}
	run := &cobra.Command{
		Use:       "run <task>",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{maintenance.TaskDeadLetterPurge, maintenance.TaskLeaseReclaim, maintenance.TaskMetricsTrim},
		Short:     "Run one maintenance task now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, func(ctx context.Context, s *app.Stack) error {
				tasks := maintenance.DefaultTasks(s.Config, s.Orch.Retry(), s.Orch.Queue(), s.Metrics, s.Log)
				sched, err := maintenance.New(s.Log, tasks...)
				if err != nil {
					return err
				}
				return sched.RunNow(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(run)
	return cmd
}
