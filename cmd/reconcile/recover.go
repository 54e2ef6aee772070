package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/recovery"
)

func recoverCmd() *cobra.Command {
	var (
		statusOnly    bool
		checkInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run the recovery manager",
		Long: `Monitors the store, the broker and the configured agents, and drives
recovery actions when they fail. --status performs one health pass and
prints the result instead of starting the loops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := connect(ctx, true)
			if err != nil {
				return err
			}
			defer d.close(context.Background())

			cfg := d.cfg.RecoveryConfig()
			if checkInterval > 0 {
				cfg.CheckInterval = checkInterval
			}

			components := []recovery.Component{
				recovery.StoreComponent(d.store),
				recovery.QueueComponent(d.queue),
			}
			heartbeat := d.cfg.Agents.HeartbeatTimeout.Duration
			for _, id := range d.cfg.Agents.IDs {
				id := id
				// Restarting agent processes is deployment-specific; out of
				// the box a failed agent exhausts its retries, gets disabled
				// and raises an alert for the operator.
				components = append(components,
					recovery.AgentComponent(id, d.store, heartbeat, func(ctx context.Context) error {
						return errors.Newf(errors.ErrCodeAgentOffline, "no restart hook configured for agent %s", id)
					}))
			}

			mgr := recovery.New(d.queue, components, cfg, d.log, nil)

			if statusOnly {
				health := mgr.CheckSystemHealth(ctx)
				depths, derr := d.queue.Status(ctx)
				if derr != nil {
					d.log.Warn("queue status unavailable", map[string]interface{}{"error": derr.Error()})
				}
				counts, serr := d.store.Stats(ctx)
				if serr != nil {
					d.log.Warn("store stats unavailable", map[string]interface{}{"error": serr.Error()})
				}
				return printJSON(map[string]interface{}{
					"health":       health,
					"queue_depths": depths,
					"store_counts": counts,
				})
			}

			mgr.Start(ctx)
			defer mgr.Stop()
			waitForSignal()
			return printJSON(mgr.Status())
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "run one health check, print the report and exit")
	cmd.Flags().DurationVar(&checkInterval, "check-interval", 0, "override the monitoring interval, e.g. 10s")
	return cmd
}
