package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/basket/memq/internal/persistence"
)

func (c *cli) exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <external-session-id>",
		Short: "Write a session with its prompts, observations and summaries as signed JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.open(true); err != nil {
				return err
			}
			defer c.close()
			exp, err := c.store.ExportSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				return c.printJSON(exp)
			}
			data, err := json.MarshalIndent(exp, "", "  ")
			if err != nil {
				return fmt.Errorf("encode export: %w", err)
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(c.errOut, "exported %s (%d observations, %d summaries) to %s\n",
				args[0], len(exp.Observations), len(exp.Summaries), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Load a session export; re-importing the same file changes nothing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read export: %w", err)
			}
			var exp persistence.SessionExport
			if err := json.Unmarshal(data, &exp); err != nil {
				return fmt.Errorf("decode export: %w", err)
			}
			if err := c.open(true); err != nil {
				return err
			}
			defer c.close()
			res, err := c.store.ImportSession(cmd.Context(), &exp)
			c.audit.RecordResult("import", "session:"+exp.Session.ContentSessionID,
				int64(res.Prompts+res.Observations+res.Summaries), err)
			if err != nil {
				return err
			}
			return c.printJSON(res)
		},
	}
}
