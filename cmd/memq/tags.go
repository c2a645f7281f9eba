package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/memq/internal/persistence"
)

func (c *cli) tagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Inspect and rebuild tag usage counters",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tags by usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.open(true); err != nil {
				return err
			}
			defer c.close()
			tags, err := c.store.ListTags(cmd.Context())
			if err != nil {
				return err
			}
			if c.wantJSON() {
				if tags == nil {
					tags = []persistence.Tag{}
				}
				return c.printJSON(tags)
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAG\tUSES")
			for _, t := range tags {
				fmt.Fprintf(tw, "%s\t%d\n", t.Name, t.UsageCount)
			}
			return tw.Flush()
		},
	}, &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute usage counters from the observations' own tag lists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.open(true); err != nil {
				return err
			}
			defer c.close()
			n, err := c.store.RebuildTagCounts(cmd.Context())
			c.audit.RecordResult("tags.rebuild", "all", n, err)
			if err != nil {
				return err
			}
			return c.printJSON(map[string]int64{"tags": n})
		},
	})
	return cmd
}
