package main

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/agentnet/reconcile/check"
)

func checkCmd() *cobra.Command {
	var (
		autoRepair     bool
		generateScript bool
		schedule       string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a consistency check over the store",
		Long: `Runs the full consistency rule set once and prints the report.
With --schedule it keeps running on the given cron expression until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, false)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			checker := check.New(d.store, d.coord, d.cfg.CheckConfig(), d.log)

			if schedule == "" {
				return runCheck(ctx, checker, autoRepair, generateScript)
			}

			c := cron.New()
			if _, err := c.AddFunc(schedule, func() {
				if err := runCheck(ctx, checker, autoRepair, generateScript); err != nil {
					d.log.Error("scheduled check failed", map[string]interface{}{"error": err.Error()})
				}
			}); err != nil {
				return fmt.Errorf("invalid --schedule expression: %w", err)
			}
			c.Start()
			defer c.Stop()

			d.log.Info("scheduled checks started", map[string]interface{}{"schedule": schedule})
			waitForSignal()
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoRepair, "auto-repair", false, "repair auto-repairable issues")
	cmd.Flags().BoolVar(&generateScript, "generate-script", false, "print a manual repair script for the issues found")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression for recurring checks, e.g. \"*/15 * * * *\"")
	return cmd
}

func runCheck(ctx context.Context, checker *check.Checker, autoRepair, generateScript bool) error {
	report, err := checker.RunFullCheck(ctx, autoRepair)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if generateScript && report.TotalIssues > 0 {
		fmt.Println(check.RepairScript(report))
	}
	if autoRepair && report.RepairsPerformed < repairableCount(report) {
		return exitError{
			code: exitRepairFail,
			err:  fmt.Errorf("%d repairable issues were not repaired", repairableCount(report)-report.RepairsPerformed),
		}
	}
	return nil
}

func repairableCount(report *check.Report) int {
	n := 0
	for _, issue := range report.Issues {
		if issue.AutoRepairable {
			n++
		}
	}
	return n
}
