package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/memq/internal/config"
	"github.com/basket/memq/internal/persistence"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func resultByName(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s result in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_FreshHomePasses(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")
	if d.Failed() {
		t.Fatalf("expected no failures, got %+v", d.Results)
	}
	if d.System.Version != "test" {
		t.Fatalf("unexpected version %q", d.System.Version)
	}
	for _, name := range []string{"Config", "Database", "Schema", "Queue", "Permissions", "Extractor"} {
		if r := resultByName(t, d, name); r.Status != "PASS" {
			t.Fatalf("%s: expected PASS, got %+v", name, r)
		}
	}
}

func TestRun_NilConfigSkips(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if r := resultByName(t, d, "Config"); r.Status != "FAIL" {
		t.Fatalf("expected Config FAIL, got %+v", r)
	}
	for _, name := range []string{"Database", "Schema", "Queue", "Permissions", "Extractor"} {
		if r := resultByName(t, d, name); r.Status != "SKIP" {
			t.Fatalf("%s: expected SKIP, got %+v", name, r)
		}
	}
}

func TestCheckQueue_WarnsOnFailedItems(t *testing.T) {
	cfg := testConfig(t)
	store, err := persistence.Open(cfg.DBPath, persistence.Options{MaxRetries: 1})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	sid, err := store.CreateSession(ctx, "doctor-1", "proj", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.Enqueue(ctx, sid, persistence.QueueKindObservation, `{"tool":"Read"}`, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// One retry is allowed, so the second failure is terminal.
	for attempt := 0; attempt < 2; attempt++ {
		item, err := store.ClaimNext(ctx, sid)
		if err != nil || item == nil {
			t.Fatalf("claim attempt %d: %v %v", attempt, item, err)
		}
		if _, err := store.Fail(ctx, item.ID, "boom"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}

	r := checkQueue(ctx, cfg, store)
	_ = store.Close()
	if r.Status != "WARN" {
		t.Fatalf("expected WARN with a failed item, got %+v", r)
	}
}

func TestCheckExtractor_MissingCommandFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Extractor.Command = filepath.Join(t.TempDir(), "no-such-extractor")
	if r := checkExtractor(context.Background(), cfg, nil); r.Status != "FAIL" {
		t.Fatalf("expected FAIL for missing command, got %+v", r)
	}
	cfg.Extractor.Command = ""
	if r := checkExtractor(context.Background(), cfg, nil); r.Status != "PASS" {
		t.Fatalf("expected PASS for passthrough, got %+v", r)
	}
}

func TestCheckSchema_NoStoreSkips(t *testing.T) {
	if r := checkSchema(context.Background(), nil, nil); r.Status != "SKIP" {
		t.Fatalf("expected SKIP, got %+v", r)
	}
}
