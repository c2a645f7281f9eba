package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/memq/internal/bus"
	"github.com/basket/memq/internal/extract"
	"github.com/basket/memq/internal/intake"
	"github.com/basket/memq/internal/orchestrator"
	otelPkg "github.com/basket/memq/internal/otel"
	"github.com/basket/memq/internal/recovery"
)

// runtime is the processing side of the daemon: bus, orchestrator, intake
// and recovery sweeper over the opened store.
type runtime struct {
	bus      *bus.Bus
	otel     *otelPkg.Provider
	orch     *orchestrator.Orchestrator
	intake   *intake.Service
	sweeper  *recovery.Sweeper
	shutdown time.Duration
}

func (c *cli) newRuntime(ctx context.Context) (*runtime, error) {
	provider, err := otelPkg.Init(ctx, c.cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.New()
	orch := orchestrator.New(orchestrator.Config{
		Store:             c.store,
		Extractor:         c.extractor(),
		Publisher:         eventBus,
		Logger:            c.logger.With("component", "orchestrator"),
		Metrics:           metrics,
		Tracer:            provider.Tracer,
		ExtractTimeout:    c.cfg.ExtractTimeout(),
		HeartbeatInterval: c.cfg.HeartbeatInterval(),
	})
	sweeper := recovery.NewSweeper(recovery.Config{
		Store:      c.store,
		Rearmer:    orch,
		Publisher:  eventBus,
		Logger:     c.logger,
		Metrics:    metrics,
		Interval:   c.cfg.RecoveryInterval(),
		Thresholds: c.thresholds(),
	})
	return &runtime{
		bus:  eventBus,
		otel: provider,
		orch: orch,
		intake: intake.New(intake.Config{
			Store:    c.store,
			Notifier: orch,
			Logger:   c.logger,
		}),
		sweeper:  sweeper,
		shutdown: c.cfg.ShutdownTimeout(),
	}, nil
}

func (c *cli) extractor() orchestrator.Extractor {
	if c.cfg.Extractor.Command == "" {
		return extract.Passthrough{}
	}
	return &extract.CommandExtractor{
		Command: c.cfg.Extractor.Command,
		Args:    c.cfg.Extractor.Args,
		Env:     c.cfg.ExtractorEnv(),
		Dir:     c.cfg.Extractor.Dir,
		Logger:  c.logger.With("component", "extractor"),
	}
}

func (c *cli) thresholds() recovery.Thresholds {
	return recovery.Thresholds{
		StuckThreshold:         c.cfg.StuckThreshold(),
		StaleSessionThreshold:  c.cfg.StaleSessionThreshold(),
		RearmLimit:             c.cfg.Recovery.RearmLimit,
		ProcessedRetentionDays: c.cfg.Retention.ProcessedDays,
	}
}

// waitIdle lets running tasks finish their backlog for up to wait.
func (r *runtime) waitIdle(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	err := r.orch.WaitIdle(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// stop cancels processing and flushes telemetry. Items interrupted mid
// extraction return to pending.
func (r *runtime) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdown)
	defer cancel()
	err := r.orch.Shutdown(ctx)
	if otelErr := r.otel.Shutdown(ctx); otelErr != nil {
		err = errors.Join(err, otelErr)
	}
	return err
}
