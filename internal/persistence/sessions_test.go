package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/basket/memq/internal/persistence"
)

func TestCreateSession_RepeatedCallsReturnSameID(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first, err := store.CreateSession(ctx, "ext-1", "", "hello")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.CreateSession(ctx, "ext-1", "proj", "ignored")
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if first != second {
		t.Fatalf("expected same id, got %d and %d", first, second)
	}
	if n := queryOneInt(t, store.DB(), `SELECT COUNT(1) FROM sdk_sessions;`); n != 1 {
		t.Fatalf("expected one row, got %d", n)
	}

	sess, err := store.GetSession(ctx, first)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Project != "proj" {
		t.Fatalf("expected blank project to be backfilled, got %q", sess.Project)
	}
	if sess.UserPrompt == nil || *sess.UserPrompt != "hello" {
		t.Fatalf("expected first prompt kept, got %v", sess.UserPrompt)
	}
	if sess.Status != persistence.SessionStatusActive {
		t.Fatalf("expected active, got %s", sess.Status)
	}
}

func TestCreateSession_ConcurrentCallersConverge(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]int64, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := store.CreateSession(ctx, "ext-race", "proj", "")
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids[i] = id
		}()
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("expected one id, got %v", ids)
		}
	}
}

func TestGetSession_NotFound(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.GetSession(context.Background(), 42); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetSessionByExternalID(context.Background(), "nope"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkSessionCompleted_OnlyFromActive(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id, _ := seedSession(t, store, "ext-done")

	applied, err := store.MarkSessionCompleted(ctx, id)
	if err != nil || !applied {
		t.Fatalf("first completion: applied=%v err=%v", applied, err)
	}
	applied, err = store.MarkSessionCompleted(ctx, id)
	if err != nil || applied {
		t.Fatalf("second completion should be a no-op: applied=%v err=%v", applied, err)
	}
	applied, err = store.MarkSessionFailed(ctx, id)
	if err != nil || applied {
		t.Fatalf("failing a completed session should be a no-op: applied=%v err=%v", applied, err)
	}

	sess, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != persistence.SessionStatusCompleted || sess.CompletedAt == nil {
		t.Fatalf("unexpected session %+v", sess)
	}

	reopened, err := store.ReopenSession(ctx, id)
	if err != nil || !reopened {
		t.Fatalf("reopen: %v %v", reopened, err)
	}
	sess, _ = store.GetSession(ctx, id)
	if sess.Status != persistence.SessionStatusActive || sess.CompletedAt != nil {
		t.Fatalf("expected reopened session, got %+v", sess)
	}
}

func TestUpdateMemorySessionID_FirstWriterWins(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id, err := store.CreateSession(ctx, "ext-mem", "proj", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.UpdateMemorySessionID(ctx, id, "agent-a")
	if err != nil || got != "agent-a" {
		t.Fatalf("first assignment: %q %v", got, err)
	}
	got, err = store.UpdateMemorySessionID(ctx, id, "agent-b")
	if err != nil || got != "agent-a" {
		t.Fatalf("second assignment should keep agent-a, got %q %v", got, err)
	}
}

func TestIncrementPromptCounter(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id, _ := seedSession(t, store, "ext-count")
	for want := 1; want <= 3; want++ {
		n, err := store.IncrementPromptCounter(ctx, id)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if n != want {
			t.Fatalf("expected %d, got %d", want, n)
		}
	}
	if _, err := store.IncrementPromptCounter(ctx, 999); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessions_Filters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a, _ := seedSession(t, store, "ext-a")
	seedSession(t, store, "ext-b")
	if _, err := store.MarkSessionFailed(ctx, a); err != nil {
		t.Fatalf("fail: %v", err)
	}
	failed, err := store.ListSessions(ctx, persistence.SessionFilter{Status: persistence.SessionStatusFailed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != a {
		t.Fatalf("unexpected failed sessions %+v", failed)
	}
	none, err := store.ListSessions(ctx, persistence.SessionFilter{Project: "other"})
	if err != nil || none != nil {
		t.Fatalf("expected nil result, got %v %v", none, err)
	}
}

func TestSavePrompt_Idempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "ext-p")

	first, err := store.SavePrompt(ctx, "ext-p", 1, "fix the bug")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	again, err := store.SavePrompt(ctx, "ext-p", 1, "different text")
	if err != nil {
		t.Fatalf("save again: %v", err)
	}
	if first != again {
		t.Fatalf("expected same prompt id")
	}
	p, err := store.GetPrompt(ctx, "ext-p", 1)
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if p.Text != "fix the bug" {
		t.Fatalf("expected first text kept, got %q", p.Text)
	}
	if _, err := store.SavePrompt(ctx, "ext-p", 2, "next"); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	prompts, err := store.ListPrompts(ctx, persistence.PromptFilter{ContentSessionID: "ext-p"})
	if err != nil || len(prompts) != 2 || prompts[1].PromptNumber != 2 {
		t.Fatalf("unexpected prompts %+v %v", prompts, err)
	}
}
