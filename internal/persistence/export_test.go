package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/basket/memq/internal/mode"
	"github.com/basket/memq/internal/persistence"
)

func TestExportImport_RoundTripIsVerifiedAndIdempotent(t *testing.T) {
	src, _ := openTestStore(t)
	ctx := context.Background()
	_, memoryID := seedSession(t, src, "ext-export")
	if _, err := src.SavePrompt(ctx, "ext-export", 1, "add caching"); err != nil {
		t.Fatalf("save prompt: %v", err)
	}
	if _, err := src.StoreObservationsAndSummary(ctx, persistence.StoreRequest{
		MemorySessionID: memoryID,
		Project:         "proj",
		Observations: []persistence.ObservationInput{
			{Type: "feature", Title: "cache", Tags: []string{"perf"}},
			{Type: "decision", Title: "ttl"},
		},
		Summary: &persistence.SummaryInput{Completed: "cache added"},
	}); err != nil {
		t.Fatalf("store: %v", err)
	}

	exp, err := src.ExportSession(ctx, "ext-export")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exp.Digest == "" || len(exp.Observations) != 2 || len(exp.Summaries) != 1 || len(exp.Prompts) != 1 {
		t.Fatalf("unexpected export %+v", exp)
	}

	// The digest survives a JSON round trip.
	raw, err := json.Marshal(exp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded persistence.SessionExport
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := decoded.Verify(); err != nil {
		t.Fatalf("verify decoded: %v", err)
	}

	dst, _ := openTestStore(t)
	res, err := dst.ImportSession(ctx, &decoded)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Prompts != 1 || res.Observations != 2 || res.Summaries != 1 {
		t.Fatalf("unexpected import result %+v", res)
	}
	again, err := dst.ImportSession(ctx, &decoded)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if again.SessionID != res.SessionID || again.Prompts+again.Observations+again.Summaries != 0 {
		t.Fatalf("re-import should insert nothing: %+v", again)
	}
	if n := tagCount(t, dst, "perf"); n != 1 {
		t.Fatalf("expected imported tag counted once, got %d", n)
	}

	reexp, err := dst.ExportSession(ctx, "ext-export")
	if err != nil {
		t.Fatalf("re-export: %v", err)
	}
	if len(reexp.Observations) != 2 || *reexp.Observations[0].Title != "cache" {
		t.Fatalf("unexpected re-export %+v", reexp.Observations)
	}
}

func TestImport_RejectsTamperedExport(t *testing.T) {
	src, _ := openTestStore(t)
	ctx := context.Background()
	seedSession(t, src, "ext-tamper")
	exp, err := src.ExportSession(ctx, "ext-tamper")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	exp.Session.Project = "evil"

	dst, _ := openTestStore(t)
	if _, err := dst.ImportSession(ctx, exp); !errors.Is(err, persistence.ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
	if _, err := dst.GetSessionByExternalID(ctx, "ext-tamper"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("tampered export must not create a session")
	}
}

func TestImport_AppliesTargetModeVocabulary(t *testing.T) {
	src, _ := openTestStore(t)
	ctx := context.Background()
	_, memoryID := seedSession(t, src, "ext-vocab")
	if _, err := src.StoreObservationsAndSummary(ctx, persistence.StoreRequest{
		MemorySessionID: memoryID,
		Project:         "proj",
		Observations: []persistence.ObservationInput{
			{Type: "feature", Title: "cache", Concepts: []string{"pattern", "gotcha"}},
		},
	}); err != nil {
		t.Fatalf("store: %v", err)
	}
	exp, err := src.ExportSession(ctx, "ext-vocab")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	research, _ := openTestStoreWith(t, persistence.Options{Mode: mode.Mode{
		Name:             "research",
		ObservationTypes: []string{"finding"},
	}})
	if _, err := research.ImportSession(ctx, exp); !errors.Is(err, persistence.ErrInvalidObservationType) {
		t.Fatalf("expected ErrInvalidObservationType, got %v", err)
	}
	if _, err := research.GetSessionByExternalID(ctx, "ext-vocab"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("rejected import must not create a session")
	}

	narrow, _ := openTestStoreWith(t, persistence.Options{Mode: mode.Mode{
		Name:             "narrow",
		ObservationTypes: []string{"feature"},
		Concepts:         []string{"pattern"},
	}})
	if _, err := narrow.ImportSession(ctx, exp); err != nil {
		t.Fatalf("import: %v", err)
	}
	obs, err := narrow.ListObservations(ctx, persistence.ObservationFilter{MemorySessionID: memoryID})
	if err != nil || len(obs) != 1 {
		t.Fatalf("list observations: %v %+v", err, obs)
	}
	if len(obs[0].Concepts) != 1 || obs[0].Concepts[0] != "pattern" {
		t.Fatalf("expected unknown concepts dropped, got %v", obs[0].Concepts)
	}
	// The export itself is left untouched and still verifies.
	if err := exp.Verify(); err != nil {
		t.Fatalf("export mutated by import: %v", err)
	}
}
