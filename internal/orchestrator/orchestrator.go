// Package orchestrator runs at most one processing task per session. A task
// claims the session's queue items in order, sends each through the
// extractor and commits the result, until nothing is pending.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/memq/internal/bus"
	"github.com/basket/memq/internal/otel"
	"github.com/basket/memq/internal/persistence"
	"github.com/basket/memq/internal/shared"
	"github.com/basket/memq/internal/telemetry"
	"github.com/basket/memq/internal/tokenutil"
)

// DefaultExtractTimeout bounds one extractor call when Config leaves it zero.
const DefaultExtractTimeout = 2 * time.Minute

// DefaultHeartbeatInterval is how often a claim is refreshed while its item
// is being extracted.
const DefaultHeartbeatInterval = 10 * time.Second

// ErrShutdownTimeout is returned by Shutdown when tasks outlive its context.
var ErrShutdownTimeout = errors.New("orchestrator shutdown timed out")

// SessionContext is the session state handed to the extractor with each item.
type SessionContext struct {
	SessionID        int64  `json:"session_id"`
	ContentSessionID string `json:"content_session_id"`
	MemorySessionID  string `json:"memory_session_id,omitempty"`
	Project          string `json:"project"`
	UserPrompt       string `json:"user_prompt,omitempty"`
	PromptCounter    int    `json:"prompt_counter"`
	Mode             string `json:"mode"`
}

// Extraction is what the extractor produced for one queue item.
type Extraction struct {
	// MemorySessionID is the extractor's own id for the session. It is stored
	// only when the session has none yet.
	MemorySessionID string                         `json:"memory_session_id,omitempty"`
	Observations    []persistence.ObservationInput `json:"observations,omitempty"`
	Summary         *persistence.SummaryInput      `json:"summary,omitempty"`
	DiscoveryTokens int64                          `json:"discovery_tokens,omitempty"`
}

// Extractor turns one raw queue item into structured rows. Any error is a
// retryable failure of the item.
type Extractor interface {
	Extract(ctx context.Context, sc SessionContext, item persistence.QueueItem) (*Extraction, error)
}

// Publisher receives fire-and-forget notifications. *bus.Bus satisfies it.
type Publisher interface {
	Publish(topic string, payload any)
}

type Config struct {
	Store          *persistence.Store
	Extractor      Extractor
	Publisher      Publisher
	Logger         *slog.Logger
	Metrics        *otel.Metrics
	Tracer         trace.Tracer
	ExtractTimeout time.Duration
	// HeartbeatInterval must stay well below the recovery stuck threshold.
	HeartbeatInterval time.Duration
}

// PendingQueueReport is the outcome of one bounded re-arm pass.
type PendingQueueReport struct {
	TotalPendingSessions int `json:"total_pending_sessions"`
	SessionsStarted      int `json:"sessions_started"`
	SessionsSkipped      int `json:"sessions_skipped"`
}

type Status struct {
	ActiveSessions int     `json:"active_sessions"`
	SessionIDs     []int64 `json:"session_ids,omitempty"`
	Closed         bool    `json:"closed"`
	LastError      string  `json:"last_error,omitempty"`
}

type sessionTask struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// rearm asks the exiting task to hand over to a fresh one.
	rearm bool
}

type Orchestrator struct {
	store          *persistence.Store
	extractor      Extractor
	publisher      Publisher
	logger         *slog.Logger
	metrics        *otel.Metrics
	tracer         trace.Tracer
	extractTimeout atomic.Int64
	heartbeat      time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[int64]*sessionTask
	closed bool
	wg     sync.WaitGroup

	lastError atomic.Pointer[string]
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.NoopTracer()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	base, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		heartbeat:  heartbeat,
		store:      cfg.Store,
		extractor:  cfg.Extractor,
		publisher:  cfg.Publisher,
		logger:     logger,
		metrics:    cfg.Metrics,
		tracer:     tracer,
		baseCtx:    base,
		baseCancel: cancel,
		tasks:      map[int64]*sessionTask{},
	}
	o.SetExtractTimeout(cfg.ExtractTimeout)
	return o
}

// SetExtractTimeout changes the per-call extractor timeout for items claimed
// from now on. Zero or negative restores the default.
func (o *Orchestrator) SetExtractTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultExtractTimeout
	}
	o.extractTimeout.Store(int64(d))
}

// Ensure starts a processing task for the session unless one is live. It
// reports whether a task was started. When a task is live, it is asked to
// hand over to a fresh task as it exits, so work enqueued while it was
// finishing, or after it was cancelled, is not stranded.
func (o *Orchestrator) Ensure(sessionID int64) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if t, ok := o.tasks[sessionID]; ok {
		t.rearm = true
		o.mu.Unlock()
		return false
	}
	o.startLocked(sessionID)
	o.mu.Unlock()

	o.metrics.AddActiveSessions(context.Background(), 1)
	o.logger.Debug("session task attached", "session_id", sessionID)
	o.publishStatus()
	return true
}

// Cancel signals the session's task to stop after its current step. Items it
// has claimed but not committed go back to pending.
func (o *Orchestrator) Cancel(sessionID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[sessionID]
	if !ok {
		return false
	}
	t.rearm = false
	t.cancel()
	return true
}

// Done returns a channel closed when the session's current task exits. With
// no live task the channel is already closed.
func (o *Orchestrator) Done(sessionID int64) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[sessionID]; ok {
		return t.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// IsRunning reports whether the session has a live task.
func (o *Orchestrator) IsRunning(sessionID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tasks[sessionID]
	return ok
}

func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{ActiveSessions: len(o.tasks), Closed: o.closed}
	for id := range o.tasks {
		st.SessionIDs = append(st.SessionIDs, id)
	}
	o.mu.Unlock()
	sort.Slice(st.SessionIDs, func(i, j int) bool { return st.SessionIDs[i] < st.SessionIDs[j] })
	if msg := o.lastError.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

// WaitIdle blocks until no task is live or ctx ends.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if o.ActiveSessions() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessPendingQueues starts tasks for up to limit sessions that have
// pending work and no live task. Sessions beyond the limit are left for the
// next pass. A limit of zero or less means no bound.
func (o *Orchestrator) ProcessPendingQueues(ctx context.Context, limit int) (PendingQueueReport, error) {
	ids, err := o.store.SessionsWithPendingWork(ctx)
	if err != nil {
		return PendingQueueReport{}, fmt.Errorf("process pending queues: %w", err)
	}
	report := PendingQueueReport{TotalPendingSessions: len(ids)}
	for _, id := range ids {
		if limit > 0 && report.SessionsStarted >= limit {
			report.SessionsSkipped++
			continue
		}
		if o.IsRunning(id) {
			report.SessionsSkipped++
			continue
		}
		if o.Ensure(id) {
			report.SessionsStarted++
		} else {
			report.SessionsSkipped++
		}
	}
	if report.TotalPendingSessions > 0 {
		o.logger.Info("pending queues processed",
			"total", report.TotalPendingSessions,
			"started", report.SessionsStarted,
			"skipped", report.SessionsSkipped,
		)
	}
	return report, nil
}

// Shutdown cancels every task and waits for them to exit, bounded by ctx.
// Claimed items whose extraction was interrupted return to pending; a commit
// already in flight is allowed to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	n := len(o.tasks)
	for _, t := range o.tasks {
		t.rearm = false
		t.cancel()
	}
	o.mu.Unlock()
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("orchestrator stopped", "cancelled_tasks", n)
		return nil
	case <-ctx.Done():
		remaining := o.ActiveSessions()
		o.logger.Warn("orchestrator shutdown timed out; stuck items will be reset by recovery", "remaining_tasks", remaining)
		return fmt.Errorf("%w: %d tasks still running", ErrShutdownTimeout, remaining)
	}
}

func (o *Orchestrator) startLocked(sessionID int64) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	t := &sessionTask{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	o.tasks[sessionID] = t
	o.wg.Add(1)
	go o.run(sessionID, t)
}

func (o *Orchestrator) run(sessionID int64, t *sessionTask) {
	defer o.wg.Done()
	defer o.detach(sessionID, t)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("session %d task panic: %v", sessionID, r)
			o.setLastError(err)
			o.logger.Error("session task panicked", "session_id", sessionID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	o.drain(t.ctx, sessionID)
}

// detach removes the task from the map, or replaces it with a fresh task
// when a handover was requested. It runs before wg.Done so a replacement is
// always counted while Shutdown waits. done closes last, after the status
// event.
func (o *Orchestrator) detach(sessionID int64, t *sessionTask) {
	t.cancel()
	defer close(t.done)

	o.mu.Lock()
	restarted := false
	if o.tasks[sessionID] == t {
		if t.rearm && !o.closed {
			o.startLocked(sessionID)
			restarted = true
		} else {
			delete(o.tasks, sessionID)
		}
	}
	o.mu.Unlock()

	if restarted {
		o.logger.Debug("session task re-armed", "session_id", sessionID)
	} else {
		o.metrics.AddActiveSessions(context.Background(), -1)
		o.logger.Debug("session task detached", "session_id", sessionID)
	}
	o.publishStatus()
}

func (o *Orchestrator) drain(ctx context.Context, sessionID int64) {
	for {
		if ctx.Err() != nil {
			return
		}
		// The claim runs to completion so a cancelled task never orphans a
		// row it has already moved to processing.
		item, err := o.store.ClaimNext(context.WithoutCancel(ctx), sessionID)
		if err != nil {
			o.setLastError(err)
			o.logger.Error("claim failed", "session_id", sessionID, "error", err)
			return
		}
		if item == nil {
			return
		}
		o.process(ctx, item)
		o.publishStatus()
	}
}

func (o *Orchestrator) process(ctx context.Context, item *persistence.QueueItem) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithItemID(shared.WithSessionID(ctx, item.SessionID), item.ID)
	logger := telemetry.WithContext(ctx, o.logger)
	kind := string(item.Kind)

	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.process",
		otel.AttrSessionID.Int64(item.SessionID),
		otel.AttrItemID.Int64(item.ID),
		otel.AttrQueueKind.String(kind),
		otel.AttrRetry.Int(item.RetryCount),
	)
	defer span.End()

	// Storage calls outlive cancellation; only the extractor is interrupted.
	bg := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			o.fail(bg, logger, item, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	logger.Debug("item claimed", "kind", kind, "retry_count", item.RetryCount)

	sess, err := o.store.GetSession(bg, item.SessionID)
	if err != nil {
		o.fail(bg, logger, item, fmt.Errorf("load session: %w", err))
		return
	}

	timeout := time.Duration(o.extractTimeout.Load())
	extractCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	extractCtx, extractSpan := otel.StartClientSpan(extractCtx, o.tracer, "extractor.extract",
		otel.AttrQueueKind.String(kind),
	)
	stopHeartbeat := o.keepClaim(extractCtx, logger, item.ID, cancel)
	start := time.Now()
	res, err := o.extract(extractCtx, o.sessionContext(sess), *item)
	if err != nil {
		extractSpan.RecordError(err)
		extractSpan.SetStatus(codes.Error, err.Error())
	}
	extractSpan.End()
	cancel()
	lost := stopHeartbeat()
	o.metrics.RecordExtraction(bg, kind, time.Since(start))

	if lost {
		// Recovery took the claim back; whoever claims it next redoes the work.
		logger.Warn("claim lost during extraction; result dropped")
		return
	}
	if ctx.Err() != nil {
		o.release(bg, logger, item)
		return
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("extraction timed out after %s: %w", timeout, err)
		}
		span.SetStatus(codes.Error, err.Error())
		o.fail(bg, logger, item, err)
		return
	}
	if res == nil {
		res = &Extraction{}
	}

	memoryID, err := o.ensureMemoryID(bg, sess, res.MemorySessionID)
	if err != nil {
		o.fail(bg, logger, item, err)
		return
	}

	// Without a reported cost, charge the size of the raw event.
	discovery := res.DiscoveryTokens
	if discovery <= 0 {
		discovery = tokenutil.Estimate(item.Payload)
	}

	closes := item.Kind == persistence.QueueKindSummarize && res.Summary != nil
	stored, err := o.store.CommitItem(bg, item.ID, persistence.StoreRequest{
		MemorySessionID: memoryID,
		Project:         sess.Project,
		Observations:    res.Observations,
		Summary:         res.Summary,
		PromptNumber:    item.PromptNumber,
		DiscoveryTokens: discovery,
	}, closes)
	if errors.Is(err, persistence.ErrNotClaimed) {
		// Recovery reset the item while it was extracting; its next claim
		// redoes the work.
		logger.Warn("item no longer claimed; result dropped")
		return
	}
	if err != nil {
		o.fail(bg, logger, item, fmt.Errorf("commit: %w", err))
		return
	}

	o.metrics.RecordProcessed(bg, kind)
	logger.Info("item processed",
		"kind", kind,
		"observations", len(stored.ObservationIDs),
		"summary", stored.SummaryID != nil,
	)
	o.publish(bus.TopicItemProcessed, bus.ItemEvent{
		ItemID:     item.ID,
		SessionID:  item.SessionID,
		Kind:       kind,
		RetryCount: item.RetryCount,
	})
	if closes && sess.Status == persistence.SessionStatusActive {
		o.publish(bus.TopicSessionClosed, bus.SessionClosedEvent{
			SessionID: item.SessionID,
			Status:    string(persistence.SessionStatusCompleted),
			Reason:    "summarized",
		})
	}
}

func (o *Orchestrator) extract(ctx context.Context, sc SessionContext, item persistence.QueueItem) (*Extraction, error) {
	if o.extractor == nil {
		return nil, errors.New("no extractor configured")
	}
	return o.extractor.Extract(ctx, sc, item)
}

func (o *Orchestrator) sessionContext(sess *persistence.Session) SessionContext {
	sc := SessionContext{
		SessionID:        sess.ID,
		ContentSessionID: sess.ContentSessionID,
		Project:          sess.Project,
		PromptCounter:    sess.PromptCounter,
		Mode:             o.store.Mode().Name,
	}
	if sess.MemorySessionID != nil {
		sc.MemorySessionID = *sess.MemorySessionID
	}
	if sess.UserPrompt != nil {
		sc.UserPrompt = *sess.UserPrompt
	}
	return sc
}

// ensureMemoryID returns the session's internal agent id, assigning the
// extractor's id, or a fresh one, when the session has none.
func (o *Orchestrator) ensureMemoryID(ctx context.Context, sess *persistence.Session, proposed string) (string, error) {
	if sess.MemorySessionID != nil && *sess.MemorySessionID != "" {
		return *sess.MemorySessionID, nil
	}
	if proposed == "" {
		proposed = uuid.NewString()
	}
	id, err := o.store.UpdateMemorySessionID(ctx, sess.ID, proposed)
	if err != nil {
		return "", fmt.Errorf("assign memory session id: %w", err)
	}
	return id, nil
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, item *persistence.QueueItem, cause error) {
	reason := shared.Redact(cause.Error())
	out, err := o.store.Fail(ctx, item.ID, reason)
	if errors.Is(err, persistence.ErrNotClaimed) {
		logger.Warn("failed item no longer claimed", "reason", reason)
		return
	}
	if err != nil {
		o.setLastError(err)
		logger.Error("record item failure", "reason", reason, "error", err)
		return
	}
	o.setLastError(cause)
	o.metrics.RecordFailed(ctx, string(item.Kind), out.Terminal())
	if out.Terminal() {
		logger.Error("item failed permanently", "kind", item.Kind, "retry_count", out.RetryCount, "reason", reason)
	} else {
		logger.Warn("item failed; will retry", "kind", item.Kind, "retry_count", out.RetryCount, "reason", reason)
	}
	o.publish(bus.TopicItemFailed, bus.ItemEvent{
		ItemID:     item.ID,
		SessionID:  item.SessionID,
		Kind:       string(item.Kind),
		RetryCount: out.RetryCount,
		Terminal:   out.Terminal(),
		Error:      reason,
	})
}

// keepClaim refreshes the item's claim until ctx ends. When the claim turns
// out to be gone it cancels the extraction. The returned func waits for the
// heartbeat to stop, must be called after ctx is done, and reports whether
// the claim was lost.
func (o *Orchestrator) keepClaim(ctx context.Context, logger *slog.Logger, itemID int64, cancel context.CancelFunc) func() bool {
	var lost atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				alive, err := o.store.Heartbeat(context.WithoutCancel(ctx), itemID)
				if err != nil {
					o.setLastError(fmt.Errorf("claim heartbeat: %w", err))
					logger.Warn("claim heartbeat failed", "error", err)
					continue
				}
				if !alive {
					lost.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return func() bool {
		<-done
		return lost.Load()
	}
}

func (o *Orchestrator) release(ctx context.Context, logger *slog.Logger, item *persistence.QueueItem) {
	released, err := o.store.Release(ctx, item.ID)
	if err != nil {
		o.setLastError(err)
		logger.Error("release item", "error", err)
		return
	}
	if !released {
		return
	}
	o.metrics.RecordReleased(ctx, string(item.Kind))
	logger.Info("item released on cancellation", "kind", item.Kind)
	o.publish(bus.TopicItemReleased, bus.ItemEvent{
		ItemID:    item.ID,
		SessionID: item.SessionID,
		Kind:      string(item.Kind),
	})
}

func (o *Orchestrator) publishStatus() {
	if o.publisher == nil {
		return
	}
	depth, err := o.store.QueueDepth(context.Background())
	if err != nil {
		o.logger.Debug("queue depth for status", "error", err)
	}
	active := o.ActiveSessions()
	o.publisher.Publish(bus.TopicProcessingStatus, bus.ProcessingStatus{
		IsProcessing:   active > 0,
		QueueDepth:     depth,
		ActiveSessions: active,
	})
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.publisher != nil {
		o.publisher.Publish(topic, payload)
	}
}

func (o *Orchestrator) setLastError(err error) {
	if err == nil {
		return
	}
	msg := shared.Redact(err.Error())
	o.lastError.Store(&msg)
}
