package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/memq/internal/config"
	"github.com/basket/memq/internal/doctor"
)

func (c *cli) doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg *config.Config
			if err := c.loadConfig(); err != nil {
				fmt.Fprintf(c.errOut, "Error loading config: %v\n", err)
			} else {
				cfg = &c.cfg
			}
			diag := doctor.Run(cmd.Context(), cfg, Version)

			if c.wantJSON() {
				if err := c.printJSON(diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(c.out, "memq doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(c.out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				fmt.Fprintln(c.out, "---")
				for _, res := range diag.Results {
					fmt.Fprintf(c.out, "[%s] %-12s: %s\n", res.Status, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(c.out, "    %s\n", res.Detail)
					}
				}
			}
			if diag.Failed() {
				return errors.New("doctor found failing checks")
			}
			return nil
		},
	}
}
