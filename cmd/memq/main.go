package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/memq/internal/audit"
	"github.com/basket/memq/internal/config"
	"github.com/basket/memq/internal/persistence"
	"github.com/basket/memq/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// cli carries the persistent flags and the lazily opened runtime shared by
// every subcommand.
type cli struct {
	homeDir  string
	jsonOut  bool
	logLevel string

	out    io.Writer
	errOut io.Writer

	cfg      config.Config
	logger   *slog.Logger
	logClose io.Closer
	store    *persistence.Store
	audit    *audit.Log
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "memq",
		Short:         "Durable memory queue and session orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.homeDir, "home", "", "data directory (default $MEMQ_HOME or ~/.memq)")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print JSON even on a terminal")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log_level from config")

	root.AddCommand(
		c.serveCmd(),
		c.ingestCmd(),
		c.recoverCmd(),
		c.queueCmd(),
		c.exportCmd(),
		c.importCmd(),
		c.tagsCmd(),
		c.migrateCmd(),
		c.doctorCmd(),
		c.configCmd(),
	)
	return root
}

// loadConfig reads configuration for the selected home directory.
func (c *cli) loadConfig() error {
	var err error
	if c.homeDir != "" {
		c.cfg, err = config.LoadFrom(c.homeDir)
	} else {
		c.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.logLevel != "" {
		c.cfg.LogLevel = c.logLevel
	}
	return nil
}

// open loads config, builds the logger and opens the store. quiet keeps logs
// out of stderr so command output stays clean. Callers defer close.
func (c *cli) open(quiet bool) error {
	if c.store != nil {
		return nil
	}
	if err := c.loadConfig(); err != nil {
		return err
	}
	logger, closer, err := telemetry.NewLogger(c.cfg.HomeDir, c.cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	c.logger, c.logClose = logger, closer
	slog.SetDefault(logger)
	for _, w := range c.cfg.Warnings {
		logger.Warn("config adjusted", "detail", w)
	}

	store, err := persistence.Open(c.cfg.DBPath, persistence.Options{
		Mode:       c.cfg.Mode,
		MaxRetries: c.cfg.Queue.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	c.store = store

	al, err := audit.Open(c.cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	c.audit = al
	return nil
}

func (c *cli) close() error {
	var firstErr error
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			firstErr = err
		}
		c.store = nil
	}
	if c.audit != nil {
		_ = c.audit.Close()
		c.audit = nil
	}
	if c.logClose != nil {
		_ = c.logClose.Close()
		c.logClose = nil
	}
	return firstErr
}

// wantJSON reports whether output should be JSON: requested explicitly, or
// stdout is not a terminal.
func (c *cli) wantJSON() bool {
	if c.jsonOut {
		return true
	}
	if f, ok := c.out.(*os.File); ok {
		return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	}
	return true
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
