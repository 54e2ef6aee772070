package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentnet/reconcile/statesync"
)

func syncCmd() *cobra.Command {
	var (
		once     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the state synchronization service",
		Long: `Detects and resolves drift between the store and the message queues.
By default it runs the periodic loop until interrupted; --once performs
a single pass and prints the result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, true)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			cfg := d.cfg.SyncConfig()
			if interval > 0 {
				cfg.SyncInterval = interval
			}
			svc := statesync.New(d.store, d.queue, d.coord, cfg, d.log)

			if once {
				result := svc.PerformSync(ctx)
				return printJSON(result)
			}

			svc.Start(ctx)
			defer svc.Stop()
			waitForSignal()
			return printJSON(svc.Report())
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "perform a single sync pass and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "override the sync interval, e.g. 30s")
	return cmd
}
