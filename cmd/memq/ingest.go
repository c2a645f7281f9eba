package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/memq/internal/intake"
)

// ingestReport is printed after an ingest run.
type ingestReport struct {
	Accepted   int     `json:"accepted"`
	Rejected   int     `json:"rejected"`
	Sessions   []int64 `json:"sessions"`
	QueueDepth int     `json:"queue_depth"`
}

func (c *cli) ingestCmd() *cobra.Command {
	var (
		wait      time.Duration
		noProcess bool
	)
	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Record JSON-line hook events, then process them",
		Long: `Read normalized events, one JSON object per line, from a file or stdin:

  {"external_session_id":"abc","project":"web","kind":"prompt","payload":{"prompt":"fix login"}}
  {"external_session_id":"abc","kind":"observation","payload":{...}}

Every event is persisted before processing. Processing runs for up to --wait;
anything unfinished stays queued for the next serve or recover.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := io.Reader(os.Stdin)
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open events: %w", err)
				}
				defer f.Close()
				in = f
			}
			if err := c.open(true); err != nil {
				return err
			}
			defer c.close()
			report, err := c.ingest(cmd.Context(), in, wait, noProcess)
			if err != nil {
				return err
			}
			return c.printJSON(report)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to let processing run after the last event")
	cmd.Flags().BoolVar(&noProcess, "no-process", false, "only enqueue; leave processing to serve or recover")
	return cmd
}

func (c *cli) ingest(ctx context.Context, in io.Reader, wait time.Duration, noProcess bool) (ingestReport, error) {
	var report ingestReport
	svc := intake.New(intake.Config{Store: c.store, Logger: c.logger})
	var rt *runtime
	if !noProcess {
		var err error
		rt, err = c.newRuntime(ctx)
		if err != nil {
			return report, err
		}
		svc = rt.intake
	}

	seen := map[int64]bool{}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64<<10), maxEventLine)
	line := 0
	var readErr error
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var ev intake.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			fmt.Fprintf(c.errOut, "line %d: %v\n", line, err)
			report.Rejected++
			continue
		}
		res, err := svc.Handle(ctx, ev)
		if errors.Is(err, intake.ErrInvalidEvent) {
			fmt.Fprintf(c.errOut, "line %d: %v\n", line, err)
			report.Rejected++
			continue
		}
		if err != nil {
			readErr = fmt.Errorf("line %d: %w", line, err)
			break
		}
		report.Accepted++
		if !seen[res.SessionID] {
			seen[res.SessionID] = true
			report.Sessions = append(report.Sessions, res.SessionID)
		}
	}
	if readErr == nil {
		readErr = scanner.Err()
	}

	if rt != nil {
		if err := rt.waitIdle(ctx, wait); err != nil && readErr == nil {
			readErr = err
		}
		if err := rt.stop(); err != nil {
			c.logger.Warn("ingest shutdown", "error", err)
		}
	}
	depth, err := c.store.QueueDepth(context.WithoutCancel(ctx))
	if err != nil && readErr == nil {
		readErr = err
	}
	report.QueueDepth = depth
	return report, readErr
}
