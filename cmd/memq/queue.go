package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/memq/internal/persistence"
)

func (c *cli) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the durable queue",
	}
	cmd.AddCommand(c.queueListCmd(), c.queueRetryCmd(), c.queueClearCmd())
	return cmd
}

func (c *cli) queueListCmd() *cobra.Command {
	var (
		statuses  []string
		sessionID int64
		kind      string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.open(true); err != nil {
				return err
			}
			defer c.close()
			f := persistence.QueueFilter{SessionID: sessionID, Kind: persistence.QueueKind(kind), Limit: limit}
			for _, st := range statuses {
				f.Statuses = append(f.Statuses, persistence.QueueStatus(st))
			}
			if f.Kind != "" && !f.Kind.Valid() {
				return fmt.Errorf("%w: %q", persistence.ErrInvalidQueueKind, kind)
			}
			items, err := c.store.ListItems(cmd.Context(), f)
			if err != nil {
				return err
			}
			if c.wantJSON() {
				if items == nil {
					items = []persistence.QueueItem{}
				}
				return c.printJSON(items)
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSESSION\tKIND\tSTATUS\tRETRIES\tCREATED\tLAST ERROR")
			for _, it := range items {
				lastErr := ""
				if it.LastError != nil {
					lastErr = *it.LastError
				}
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d\t%s\t%s\n",
					it.ID, it.SessionID, it.Kind, it.Status, it.RetryCount,
					it.CreatedAt.Local().Format(time.DateTime), lastErr)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (pending, processing, processed, failed)")
	cmd.Flags().Int64Var(&sessionID, "session", 0, "filter by session row id")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (observation, summarize)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum items to list")
	return cmd
}

func (c *cli) queueRetryCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [item-id]",
		Short: "Return failed items to pending with a fresh retry budget",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass an item id or --all")
			}
			if err := c.open(true); err != nil {
				return err
			}
			defer c.close()
			var (
				n       int64
				err     error
				subject = "all"
			)
			if all {
				n, err = c.store.RetryAllFailed(cmd.Context())
			} else {
				id, perr := strconv.ParseInt(args[0], 10, 64)
				if perr != nil {
					return fmt.Errorf("invalid item id %q", args[0])
				}
				subject = "item:" + args[0]
				var ok bool
				ok, err = c.store.RetryFailed(cmd.Context(), id)
				if ok {
					n = 1
				}
			}
			c.audit.RecordResult("queue.retry", subject, n, err)
			if err != nil {
				return err
			}
			return c.printJSON(map[string]int64{"retried": n})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retry every failed item")
	return cmd
}

func (c *cli) queueClearCmd() *cobra.Command {
	var failed bool
	cmd := &cobra.Command{
		Use:   "clear [item-id]",
		Short: "Delete a queue item, or every failed item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if failed == (len(args) == 1) {
				return errors.New("pass an item id or --failed")
			}
			if err := c.open(true); err != nil {
				return err
			}
			defer c.close()
			var (
				n       int64
				err     error
				subject = "failed"
			)
			if failed {
				n, err = c.store.ClearFailed(cmd.Context())
			} else {
				id, perr := strconv.ParseInt(args[0], 10, 64)
				if perr != nil {
					return fmt.Errorf("invalid item id %q", args[0])
				}
				subject = "item:" + args[0]
				var ok bool
				ok, err = c.store.ClearItem(cmd.Context(), id)
				if ok {
					n = 1
				}
			}
			c.audit.RecordResult("queue.clear", subject, n, err)
			if err != nil {
				return err
			}
			return c.printJSON(map[string]int64{"cleared": n})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "clear every failed item")
	return cmd
}
