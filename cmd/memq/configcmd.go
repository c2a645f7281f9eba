package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/memq/internal/config"
)

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or edit config.yaml",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(*cobra.Command, []string) error {
			if err := c.loadConfig(); err != nil {
				return err
			}
			return c.printJSON(c.cfg)
		},
	}, &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a dotted key, for example recovery.rearm_limit 20",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := c.loadConfig(); err != nil {
				return err
			}
			if err := config.SetValue(c.cfg.HomeDir, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(c.errOut, "set %s in %s\n", args[0], config.ConfigPath(c.cfg.HomeDir))
			return nil
		},
	})
	return cmd
}
