// Package recovery repairs state left behind by crashes. A sweep resets
// claims that outlived their process, closes abandoned sessions and re-arms
// sessions whose backlog has no live task.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/memq/internal/bus"
	"github.com/basket/memq/internal/orchestrator"
	"github.com/basket/memq/internal/otel"
	"github.com/basket/memq/internal/persistence"
	"github.com/basket/memq/internal/shared"
)

const (
	DefaultInterval              = 2 * time.Minute
	DefaultStuckThreshold        = 5 * time.Minute
	DefaultStaleSessionThreshold = time.Hour
	DefaultRearmLimit            = 10
	DefaultProcessedRetention    = 7
)

// Rearmer starts tasks for sessions with pending work. *orchestrator.Orchestrator
// satisfies it.
type Rearmer interface {
	ProcessPendingQueues(ctx context.Context, limit int) (orchestrator.PendingQueueReport, error)
}

// Thresholds are the tunables a config reload may change between sweeps.
type Thresholds struct {
	StuckThreshold        time.Duration
	StaleSessionThreshold time.Duration
	RearmLimit            int
	// ProcessedRetentionDays purges processed queue rows older than this many
	// days. Zero disables purging.
	ProcessedRetentionDays int
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StuckThreshold:         DefaultStuckThreshold,
		StaleSessionThreshold:  DefaultStaleSessionThreshold,
		RearmLimit:             DefaultRearmLimit,
		ProcessedRetentionDays: DefaultProcessedRetention,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.StuckThreshold <= 0 {
		t.StuckThreshold = d.StuckThreshold
	}
	if t.StaleSessionThreshold <= 0 {
		t.StaleSessionThreshold = d.StaleSessionThreshold
	}
	if t.RearmLimit <= 0 {
		t.RearmLimit = d.RearmLimit
	}
	if t.ProcessedRetentionDays < 0 {
		t.ProcessedRetentionDays = 0
	}
	return t
}

type Config struct {
	Store      *persistence.Store
	Rearmer    Rearmer
	Publisher  orchestrator.Publisher
	Logger     *slog.Logger
	Metrics    *otel.Metrics
	Interval   time.Duration
	Thresholds Thresholds
}

// SweepReport is the outcome of one sweep.
type SweepReport struct {
	ResetStuck      int64                           `json:"reset_stuck"`
	Closed          persistence.StaleCloseResult    `json:"closed"`
	Pending         orchestrator.PendingQueueReport `json:"pending"`
	PurgedProcessed int64                           `json:"purged_processed"`
	Duration        time.Duration                   `json:"duration"`
}

// Sweeper runs the recovery sweep at start and on a fixed interval.
type Sweeper struct {
	store     *persistence.Store
	rearmer   Rearmer
	publisher orchestrator.Publisher
	logger    *slog.Logger
	metrics   *otel.Metrics
	interval  time.Duration

	mu         sync.Mutex
	thresholds Thresholds

	// runMu serializes sweeps; the start-up sweep and a scheduled one may
	// otherwise overlap.
	runMu sync.Mutex

	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:      cfg.Store,
		rearmer:    cfg.Rearmer,
		publisher:  cfg.Publisher,
		logger:     logger.With("component", "recovery"),
		metrics:    cfg.Metrics,
		interval:   interval,
		thresholds: cfg.Thresholds.withDefaults(),
	}
}

// SetThresholds replaces the thresholds used by subsequent sweeps.
func (s *Sweeper) SetThresholds(t Thresholds) {
	t = t.withDefaults()
	s.mu.Lock()
	s.thresholds = t
	s.mu.Unlock()
	s.logger.Info("recovery thresholds updated",
		"stuck_threshold", t.StuckThreshold,
		"stale_session_threshold", t.StaleSessionThreshold,
		"rearm_limit", t.RearmLimit,
	)
}

func (s *Sweeper) Thresholds() Thresholds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thresholds
}

// Start sweeps once in the background, then every interval. A scheduled
// sweep is skipped while the previous one is still running.
func (s *Sweeper) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cronlib.New(
		cronlib.WithLogger(cronLogger{s.logger}),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronLogger{s.logger})),
	)
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.runScheduled(ctx)
	}); err != nil {
		s.cancel()
		return fmt.Errorf("schedule recovery sweep: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runScheduled(ctx)
	}()
	s.cron.Start()
	s.logger.Info("recovery sweeper started", "interval", s.interval)
	return nil
}

// Stop cancels the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("recovery sweeper stopped")
}

func (s *Sweeper) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("recovery sweep failed", "error", err)
	}
}

// RunOnce performs one sweep: reset stuck claims, close stale sessions,
// re-arm pending sessions up to the limit, then purge old processed rows.
// A failing step is reported but does not stop the later ones.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	th := s.Thresholds()
	start := time.Now()
	var report SweepReport
	var errs []error

	reset, err := s.store.ResetStuck(ctx, th.StuckThreshold)
	if err != nil {
		errs = append(errs, err)
	} else {
		report.ResetStuck = reset
		if reset > 0 {
			s.logger.Warn("reset stuck queue items", "count", reset, "threshold", th.StuckThreshold)
		}
	}

	closed, err := s.store.CloseStaleSessions(ctx, th.StaleSessionThreshold)
	if err != nil {
		errs = append(errs, err)
	} else {
		report.Closed = closed
		s.announceClosed(closed.Completed, persistence.SessionStatusCompleted)
		s.announceClosed(closed.Failed, persistence.SessionStatusFailed)
		if n := len(closed.Completed) + len(closed.Failed); n > 0 {
			s.logger.Info("closed stale sessions",
				"completed", len(closed.Completed),
				"failed", len(closed.Failed),
			)
		}
	}

	if s.rearmer != nil {
		pending, err := s.rearmer.ProcessPendingQueues(ctx, th.RearmLimit)
		if err != nil {
			errs = append(errs, err)
		} else {
			report.Pending = pending
		}
	}

	if th.ProcessedRetentionDays > 0 {
		res, err := s.store.RunRetention(ctx, th.ProcessedRetentionDays)
		if err != nil {
			errs = append(errs, err)
		} else {
			report.PurgedProcessed = res.PurgedQueueItems
		}
	}

	report.Duration = time.Since(start)
	closedCount := len(report.Closed.Completed) + len(report.Closed.Failed)
	s.metrics.RecordSweep(ctx, report.ResetStuck, closedCount)
	if s.publisher != nil {
		s.publisher.Publish(bus.TopicSweepCompleted, bus.SweepEvent{
			ResetStuck:      report.ResetStuck,
			ClosedCompleted: len(report.Closed.Completed),
			ClosedFailed:    len(report.Closed.Failed),
			SessionsStarted: report.Pending.SessionsStarted,
		})
	}
	s.logger.Debug("recovery sweep finished",
		"trace_id", shared.TraceID(ctx),
		"reset_stuck", report.ResetStuck,
		"closed", closedCount,
		"sessions_started", report.Pending.SessionsStarted,
		"purged_processed", report.PurgedProcessed,
		"duration", report.Duration,
	)
	if err := errors.Join(errs...); err != nil {
		return report, fmt.Errorf("recovery sweep: %w", err)
	}
	return report, nil
}

func (s *Sweeper) announceClosed(ids []int64, status persistence.SessionStatus) {
	if s.publisher == nil {
		return
	}
	for _, id := range ids {
		s.publisher.Publish(bus.TopicSessionClosed, bus.SessionClosedEvent{
			SessionID: id,
			Status:    string(status),
			Reason:    "stale",
		})
	}
}

// cronLogger routes the scheduler's own messages into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
