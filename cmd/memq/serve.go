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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/memq/internal/bus"
	"github.com/basket/memq/internal/config"
	"github.com/basket/memq/internal/intake"
)

const maxEventLine = 8 << 20

func (c *cli) serveCmd() *cobra.Command {
	var readStdin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and recovery sweeper until interrupted",
		Long: `Run the processing daemon. A recovery sweep runs at start and then on
recovery.interval_seconds; config.yaml edits to thresholds apply without a
restart. With --stdin, hook events are read as JSON lines from standard input.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.open(false); err != nil {
				return err
			}
			defer c.close()
			return c.serve(cmd.Context(), readStdin, os.Stdin)
		},
	}
	cmd.Flags().BoolVar(&readStdin, "stdin", false, "read JSON-line events from stdin")
	return cmd
}

func (c *cli) serve(ctx context.Context, readStdin bool, in io.Reader) error {
	rt, err := c.newRuntime(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if err := rt.sweeper.Start(gctx); err != nil {
		_ = rt.stop()
		return err
	}
	c.logger.Info("memq serving", "version", Version, "db", c.cfg.DBPath, "home", c.cfg.HomeDir)

	g.Go(func() error {
		return c.watchStatus(gctx, rt.bus)
	})
	g.Go(func() error {
		return c.watchConfig(gctx, rt)
	})
	streamErr := make(chan error, 1)
	if readStdin {
		// Not part of the group: a blocked stdin read must not hold up
		// shutdown. A storage error on the stream stops the daemon.
		go func() {
			if err := c.readEvents(gctx, rt.intake, in); err != nil && gctx.Err() == nil {
				c.logger.Error("event stream failed", "error", err)
				streamErr <- err
				cancel()
				return
			}
			c.logger.Info("event stream closed; still processing until interrupted")
		}()
	}

	err = g.Wait()
	select {
	case sErr := <-streamErr:
		err = errors.Join(err, sErr)
	default:
	}
	rt.sweeper.Stop()
	if stopErr := rt.stop(); stopErr != nil {
		c.logger.Error("shutdown incomplete", "error", stopErr)
		err = errors.Join(err, stopErr)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	c.logger.Info("memq stopped")
	return err
}

// readEvents handles one JSON event per line. A malformed or rejected event
// is logged and skipped; storage errors stop the stream.
func (c *cli) readEvents(ctx context.Context, svc *intake.Service, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64<<10), maxEventLine)
	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var ev intake.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			c.logger.Warn("skipping malformed event", "line", line, "error", err)
			continue
		}
		res, err := svc.Handle(ctx, ev)
		if errors.Is(err, intake.ErrInvalidEvent) {
			c.logger.Warn("skipping invalid event", "line", line, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("event on line %d: %w", line, err)
		}
		c.logger.Debug("event accepted", "line", line, "session_id", res.SessionID, "item_id", res.ItemID)
	}
	return scanner.Err()
}

func (c *cli) watchStatus(ctx context.Context, b *bus.Bus) error {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.Ch():
			switch p := ev.Payload.(type) {
			case bus.ProcessingStatus:
				c.logger.Debug("processing status",
					"is_processing", p.IsProcessing,
					"queue_depth", p.QueueDepth,
					"active_sessions", p.ActiveSessions,
				)
			case bus.ItemEvent:
				if p.Terminal {
					c.logger.Warn("queue item exhausted retries", "item_id", p.ItemID, "session_id", p.SessionID, "error", p.Error)
				}
			}
		}
	}
}

// watchConfig applies reloadable settings when config.yaml changes. The
// database path, mode and extractor command need a restart.
func (c *cli) watchConfig(ctx context.Context, rt *runtime) error {
	w := config.NewWatcher(c.cfg.HomeDir, c.logger)
	if err := w.Start(ctx); err != nil {
		c.logger.Warn("config watcher unavailable", "error", err)
		return nil
	}
	current := c.cfg.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-w.Events():
			if !ok {
				return nil
			}
			next, err := config.LoadFrom(c.cfg.HomeDir)
			if err != nil {
				c.logger.Error("config reload rejected", "error", err)
				continue
			}
			for _, w := range next.Warnings {
				c.logger.Warn("config adjusted", "detail", w)
			}
			fp := next.Fingerprint()
			if fp == current {
				continue
			}
			current = fp
			if next.DBPath != c.cfg.DBPath || next.Extractor.Command != c.cfg.Extractor.Command {
				c.logger.Warn("db_path and extractor changes take effect after restart")
			}
			c.cfg.Recovery = next.Recovery
			c.cfg.Retention = next.Retention
			c.cfg.Orchestrator.ExtractTimeoutSeconds = next.Orchestrator.ExtractTimeoutSeconds
			rt.sweeper.SetThresholds(c.thresholds())
			rt.orch.SetExtractTimeout(c.cfg.ExtractTimeout())
			rt.bus.Publish(bus.TopicConfigReloaded, map[string]string{"fingerprint": fp})
			c.logger.Info("config reloaded", "fingerprint", fp)
		}
	}
}
