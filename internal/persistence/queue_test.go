package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/memq/internal/persistence"
)

func enqueue(t *testing.T, store *persistence.Store, sessionID int64, kind persistence.QueueKind, payload string) int64 {
	t.Helper()
	id, err := store.Enqueue(context.Background(), sessionID, kind, payload, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestEnqueue_RejectsUnknownKindAndSession(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id, _ := seedSession(t, store, "ext-q")

	if _, err := store.Enqueue(ctx, id, "bogus", "{}", nil); !errors.Is(err, persistence.ErrInvalidQueueKind) {
		t.Fatalf("expected ErrInvalidQueueKind, got %v", err)
	}
	if _, err := store.Enqueue(ctx, 999, persistence.QueueKindObservation, "{}", nil); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimNext_FIFOAndEmpty(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sid, _ := seedSession(t, store, "ext-fifo")
	first := enqueue(t, store, sid, persistence.QueueKindObservation, `{"n":1}`)
	second := enqueue(t, store, sid, persistence.QueueKindSummarize, `{"n":2}`)

	item, err := store.ClaimNext(ctx, sid)
	if err != nil || item == nil || item.ID != first {
		t.Fatalf("expected first item, got %+v %v", item, err)
	}
	if item.Status != persistence.QueueStatusProcessing || item.StartedProcessingAt == nil {
		t.Fatalf("claimed item not processing: %+v", item)
	}
	if item.ContentSessionID != "ext-fifo" {
		t.Fatalf("expected content session id carried, got %q", item.ContentSessionID)
	}
	item, err = store.ClaimNext(ctx, sid)
	if err != nil || item == nil || item.ID != second {
		t.Fatalf("expected second item, got %+v %v", item, err)
	}
	item, err = store.ClaimNext(ctx, sid)
	if err != nil || item != nil {
		t.Fatalf("expected nil, nil on empty queue, got %+v %v", item, err)
	}
}

func TestClaimNext_ConcurrentClaimsNeverShareItems(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sid, _ := seedSession(t, store, "ext-conc")
	const items = 30
	for range items {
		enqueue(t, store, sid, persistence.QueueKindObservation, "{}")
	}

	var (
		mu      sync.Mutex
		claimed = map[int64]int{}
		wg      sync.WaitGroup
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := store.ClaimNext(ctx, sid)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if item == nil {
					return
				}
				mu.Lock()
				claimed[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != items {
		t.Fatalf("expected %d distinct claims, got %d", items, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("item %d claimed %d times", id, n)
		}
	}
}

func TestFail_RetriesUntilCapThenTerminal(t *testing.T) {
	store, _ := openTestStoreWith(t, persistence.Options{MaxRetries: 2})
	ctx := context.Background()
	sid, _ := seedSession(t, store, "ext-fail")
	id := enqueue(t, store, sid, persistence.QueueKindObservation, "{}")

	for attempt := 1; attempt <= 3; attempt++ {
		item, err := store.ClaimNext(ctx, sid)
		if err != nil || item == nil {
			t.Fatalf("attempt %d claim: %+v %v", attempt, item, err)
		}
		out, err := store.Fail(ctx, id, "boom")
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if out.RetryCount != attempt {
			t.Fatalf("attempt %d: retry count %d", attempt, out.RetryCount)
		}
		wantTerminal := attempt == 3
		if out.Terminal() != wantTerminal {
			t.Fatalf("attempt %d: terminal=%v", attempt, out.Terminal())
		}
	}

	item, err := store.GetItem(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Status != persistence.QueueStatusFailed || item.FailedAt == nil {
		t.Fatalf("expected failed item, got %+v", item)
	}
	if item.LastError == nil || *item.LastError != "boom" {
		t.Fatalf("expected last error kept, got %v", item.LastError)
	}
	if next, _ := store.ClaimNext(ctx, sid); next != nil {
		t.Fatalf("failed item must not be claimable")
	}
	if _, err := store.Fail(ctx, id, "again"); !errors.Is(err, persistence.ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}
}

func TestFail_DefaultCapIsThree(t *testing.T) {
	store, _ := openTestStore(t)
	if store.MaxRetries() != persistence.DefaultMaxRetries || persistence.DefaultMaxRetries != 3 {
		t.Fatalf("unexpected default cap %d", store.MaxRetries())
	}
}

func TestRelease_DoesNotConsumeRetry(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sid, _ := seedSession(t, store, "ext-rel")
	id := enqueue(t, store, sid, persistence.QueueKindObservation, "{}")

	if _, err := store.ClaimNext(ctx, sid); err != nil {
		t.Fatalf("claim: %v", err)
	}
	released, err := store.Release(ctx, id)
	if err != nil || !released {
		t.Fatalf("release: %v %v", released, err)
	}
	item, _ := store.GetItem(ctx, id)
	if item.Status != persistence.QueueStatusPending || item.RetryCount != 0 {
		t.Fatalf("unexpected item after release %+v", item)
	}
	released, err = store.Release(ctx, id)
	if err != nil || released {
		t.Fatalf("releasing a pending item should be a no-op: %v %v", released, err)
	}
}

func TestResetStuck_OnlyStaleClaims(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStoreWith(t, persistence.Options{Now: clock.Now})
	ctx := context.Background()
	sid, _ := seedSession(t, store, "ext-stuck")
	stale := enqueue(t, store, sid, persistence.QueueKindObservation, "{}")
	fresh := enqueue(t, store, sid, persistence.QueueKindObservation, "{}")

	if _, err := store.ClaimNext(ctx, sid); err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	clock.Advance(10 * time.Minute)
	if _, err := store.ClaimNext(ctx, sid); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	n, err := store.ResetStuck(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}
	if item, _ := store.GetItem(ctx, stale); item.Status != persistence.QueueStatusPending {
		t.Fatalf("stale item not reset: %+v", item)
	}
	if item, _ := store.GetItem(ctx, fresh); item.Status != persistence.QueueStatusProcessing {
		t.Fatalf("fresh item reset: %+v", item)
	}
}

func TestHeartbeat_KeepsClaimOutOfResetStuck(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStoreWith(t, persistence.Options{Now: clock.Now})
	ctx := context.Background()
	sid, _ := seedSession(t, store, "ext-heartbeat")
	id := enqueue(t, store, sid, persistence.QueueKindObservation, "{}")
	if _, err := store.ClaimNext(ctx, sid); err != nil {
		t.Fatalf("claim: %v", err)
	}

	clock.Advance(10 * time.Minute)
	alive, err := store.Heartbeat(ctx, id)
	if err != nil || !alive {
		t.Fatalf("heartbeat on a live claim: alive=%v err=%v", alive, err)
	}
	if n, err := store.ResetStuck(ctx, 5*time.Minute); err != nil || n != 0 {
		t.Fatalf("heartbeated claim was reset: n=%d err=%v", n, err)
	}

	clock.Advance(6 * time.Minute)
	if n, err := store.ResetStuck(ctx, 5*time.Minute); err != nil || n != 1 {
		t.Fatalf("expected silent claim to be reset: n=%d err=%v", n, err)
	}
	alive, err = store.Heartbeat(ctx, id)
	if err != nil || alive {
		t.Fatalf("heartbeat after reset should report a lost claim: alive=%v err=%v", alive, err)
	}
	if item, _ := store.GetItem(ctx, id); item.Status != persistence.QueueStatusPending || item.StartedProcessingAt != nil {
		t.Fatalf("heartbeat must not touch an unclaimed item: %+v", item)
	}
}

func TestCommitItem_WritesRowsAndCompletesSession(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sid, memoryID := seedSession(t, store, "ext-commit")
	id := enqueue(t, store, sid, persistence.QueueKindSummarize, "{}")
	if _, err := store.ClaimNext(ctx, sid); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := store.CommitItem(ctx, id, persistence.StoreRequest{
		MemorySessionID: memoryID,
		Project:         "proj",
		Observations:    []persistence.ObservationInput{{Type: "feature", Title: "x"}},
		Summary:         &persistence.SummaryInput{Completed: "all done"},
	}, true)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(res.ObservationIDs) != 1 || res.SummaryID == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	item, _ := store.GetItem(ctx, id)
	if item.Status != persistence.QueueStatusProcessed || item.CompletedAt == nil {
		t.Fatalf("item not processed: %+v", item)
	}
	sess, _ := store.GetSession(ctx, sid)
	if sess.Status != persistence.SessionStatusCompleted {
		t.Fatalf("session not completed: %+v", sess)
	}

	if _, err := store.CommitItem(ctx, id, persistence.StoreRequest{MemorySessionID: memoryID}, false); !errors.Is(err, persistence.ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed on second commit, got %v", err)
	}
}

func TestCommitItem_FailureLeavesItemClaimed(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sid, memoryID := seedSession(t, store, "ext-abort")
	id := enqueue(t, store, sid, persistence.QueueKindSummarize, "{}")
	if _, err := store.ClaimNext(ctx, sid); err != nil {
		t.Fatalf("claim: %v", err)
	}
	installSummaryAbortTrigger(t, store)

	_, err := store.CommitItem(ctx, id, persistence.StoreRequest{
		MemorySessionID: memoryID,
		Observations:    []persistence.ObservationInput{{Type: "feature"}},
		Summary:         &persistence.SummaryInput{Request: "r"},
	}, true)
	if err == nil {
		t.Fatalf("expected induced failure")
	}
	item, _ := store.GetItem(ctx, id)
	if item.Status != persistence.QueueStatusProcessing {
		t.Fatalf("item transitioned despite rollback: %+v", item)
	}
	sess, _ := store.GetSession(ctx, sid)
	if sess.Status != persistence.SessionStatusActive {
		t.Fatalf("session closed despite rollback: %+v", sess)
	}
	if n := queryOneInt(t, store.DB(), `SELECT COUNT(1) FROM observations;`); n != 0 {
		t.Fatalf("expected no observations, got %d", n)
	}
}

func TestQueueAdmin_RetryClearAndDepth(t *testing.T) {
	store, _ := openTestStoreWith(t, persistence.Options{MaxRetries: 1})
	ctx := context.Background()
	sid, _ := seedSession(t, store, "ext-admin")
	id := enqueue(t, store, sid, persistence.QueueKindObservation, "{}")
	enqueue(t, store, sid, persistence.QueueKindObservation, "{}")

	for range 2 {
		if _, err := store.ClaimNext(ctx, sid); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if _, err := store.Fail(ctx, id, "x"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}
	failed, err := store.ListItems(ctx, persistence.QueueFilter{Statuses: []persistence.QueueStatus{persistence.QueueStatusFailed}})
	if err != nil || len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("unexpected failed list %+v %v", failed, err)
	}
	if depth, _ := store.QueueDepth(ctx); depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}

	ok, err := store.RetryFailed(ctx, id)
	if err != nil || !ok {
		t.Fatalf("retry: %v %v", ok, err)
	}
	if depth, _ := store.SessionQueueDepth(ctx, sid); depth != 2 {
		t.Fatalf("expected session depth 2, got %d", depth)
	}
	item, _ := store.GetItem(ctx, id)
	if item.RetryCount != 0 || item.FailedAt != nil {
		t.Fatalf("retry did not reset budget: %+v", item)
	}

	cleared, err := store.ClearItem(ctx, id)
	if err != nil || !cleared {
		t.Fatalf("clear item: %v %v", cleared, err)
	}
	if n, err := store.ClearFailed(ctx); err != nil || n != 0 {
		t.Fatalf("clear failed: %d %v", n, err)
	}
	if n, err := store.RetryAllFailed(ctx); err != nil || n != 0 {
		t.Fatalf("retry all: %d %v", n, err)
	}
}

func TestSessionsWithPendingWork_OrderedByOldestItem(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a, _ := seedSession(t, store, "ext-a")
	b, _ := seedSession(t, store, "ext-b")
	c, _ := seedSession(t, store, "ext-c")
	enqueue(t, store, b, persistence.QueueKindObservation, "{}")
	enqueue(t, store, a, persistence.QueueKindObservation, "{}")
	enqueue(t, store, b, persistence.QueueKindObservation, "{}")
	done := enqueue(t, store, c, persistence.QueueKindObservation, "{}")
	if _, err := store.ClaimNext(ctx, c); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Complete(ctx, done); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := store.SessionsWithPendingWork(ctx)
	if err != nil {
		t.Fatalf("sessions with pending work: %v", err)
	}
	if len(got) != 2 || got[0] != b || got[1] != a {
		t.Fatalf("expected [%d %d], got %v", b, a, got)
	}
}

func TestPurgeProcessed(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStoreWith(t, persistence.Options{Now: clock.Now})
	ctx := context.Background()
	sid, _ := seedSession(t, store, "ext-purge")
	id := enqueue(t, store, sid, persistence.QueueKindObservation, "{}")
	if _, err := store.ClaimNext(ctx, sid); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Complete(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	clock.Advance(48 * time.Hour)

	res, err := store.RunRetention(ctx, 1)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedQueueItems != 1 {
		t.Fatalf("expected 1 purged, got %d", res.PurgedQueueItems)
	}
}
