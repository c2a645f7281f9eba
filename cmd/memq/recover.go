package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func (c *cli) recoverCmd() *cobra.Command {
	var (
		limit int
		wait  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery sweep and process re-armed sessions",
		Long: `Reset stuck queue items, close stale sessions and start processing for up
to --limit sessions with pending work. Sessions beyond the limit are left
for the next pass.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.open(true); err != nil {
				return err
			}
			defer c.close()
			if limit > 0 {
				c.cfg.Recovery.RearmLimit = limit
			}

			rt, err := c.newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			report, sweepErr := rt.sweeper.RunOnce(cmd.Context())
			affected := report.ResetStuck + int64(report.Pending.SessionsStarted) +
				int64(len(report.Closed.Completed)+len(report.Closed.Failed))
			c.audit.RecordResult("recover", fmt.Sprintf("limit:%d", c.cfg.Recovery.RearmLimit), affected, sweepErr)

			if err := rt.waitIdle(cmd.Context(), wait); err != nil && sweepErr == nil {
				sweepErr = err
			}
			if err := rt.stop(); err != nil {
				c.logger.Warn("recover shutdown", "error", err)
			}
			if err := c.printJSON(report); err != nil {
				return err
			}
			return sweepErr
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum sessions to re-arm (default recovery.rearm_limit)")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to let re-armed sessions process")
	return cmd
}
