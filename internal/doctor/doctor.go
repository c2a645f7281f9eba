package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/memq/internal/config"
	"github.com/basket/memq/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type checkFunc func(context.Context, *config.Config, *persistence.Store) CheckResult

// Run executes all diagnostic checks. The database is opened once, which
// also applies any pending migrations.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	var (
		store   *persistence.Store
		openErr error
	)
	if cfg != nil {
		store, openErr = persistence.Open(cfg.DBPath, persistence.Options{
			Mode:       cfg.Mode,
			MaxRetries: cfg.Queue.MaxRetries,
		})
		if store != nil {
			defer store.Close()
		}
	}

	d.Results = append(d.Results, checkConfig(ctx, cfg, store))
	d.Results = append(d.Results, databaseResult(ctx, cfg, store, openErr))
	for _, check := range []checkFunc{checkSchema, checkQueue, checkPermissions, checkExtractor} {
		d.Results = append(d.Results, check(ctx, cfg, store))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config, _ *persistence.Store) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Defaults in use (no config.yaml in %s)", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func databaseResult(ctx context.Context, cfg *config.Config, store *persistence.Store, openErr error) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	if openErr != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", openErr), Detail: cfg.DBPath}
	}
	var journal string
	if err := store.DB().QueryRowContext(ctx, `PRAGMA journal_mode;`).Scan(&journal); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Connected (journal_mode=%s)", journal), Detail: cfg.DBPath}
}

func checkSchema(ctx context.Context, _ *config.Config, store *persistence.Store) CheckResult {
	if store == nil {
		return CheckResult{Name: "Schema", Status: "SKIP", Message: "Database unavailable"}
	}
	applied, err := persistence.NewMigrator(store.DB(), nil).Applied(ctx)
	if err != nil {
		return CheckResult{Name: "Schema", Status: "FAIL", Message: fmt.Sprintf("Read ledger failed: %v", err)}
	}
	latest := persistence.LatestSchemaVersion()
	if len(applied) != latest || applied[len(applied)-1].Version != latest {
		return CheckResult{
			Name:    "Schema",
			Status:  "FAIL",
			Message: fmt.Sprintf("Ledger has %d of %d migrations", len(applied), latest),
		}
	}
	return CheckResult{Name: "Schema", Status: "PASS", Message: fmt.Sprintf("At version %d", latest)}
}

func checkQueue(ctx context.Context, cfg *config.Config, store *persistence.Store) CheckResult {
	if store == nil || cfg == nil {
		return CheckResult{Name: "Queue", Status: "SKIP", Message: "Database unavailable"}
	}
	depth, err := store.QueueDepth(ctx)
	if err != nil {
		return CheckResult{Name: "Queue", Status: "FAIL", Message: fmt.Sprintf("Depth query failed: %v", err)}
	}
	failed, err := store.ListItems(ctx, persistence.QueueFilter{Statuses: []persistence.QueueStatus{persistence.QueueStatusFailed}})
	if err != nil {
		return CheckResult{Name: "Queue", Status: "FAIL", Message: fmt.Sprintf("List failed items: %v", err)}
	}
	processing, err := store.ListItems(ctx, persistence.QueueFilter{Statuses: []persistence.QueueStatus{persistence.QueueStatusProcessing}})
	if err != nil {
		return CheckResult{Name: "Queue", Status: "FAIL", Message: fmt.Sprintf("List processing items: %v", err)}
	}
	cutoff := time.Now().Add(-cfg.StuckThreshold())
	stuck := 0
	for _, item := range processing {
		if item.StartedProcessingAt != nil && item.StartedProcessingAt.Before(cutoff) {
			stuck++
		}
	}

	msg := fmt.Sprintf("%d queued, %d failed, %d stuck", depth, len(failed), stuck)
	if len(failed) > 0 || stuck > 0 {
		return CheckResult{
			Name:    "Queue",
			Status:  "WARN",
			Message: msg,
			Detail:  "Run `memq queue list --status failed` and `memq recover` to inspect and repair",
		}
	}
	return CheckResult{Name: "Queue", Status: "PASS", Message: msg}
}

func checkPermissions(_ context.Context, cfg *config.Config, _ *persistence.Store) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkExtractor(_ context.Context, cfg *config.Config, _ *persistence.Store) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Extractor", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Extractor.Command == "" {
		return CheckResult{Name: "Extractor", Status: "PASS", Message: "Passthrough (payloads are pre-extracted)"}
	}
	path, err := exec.LookPath(cfg.Extractor.Command)
	if err != nil {
		return CheckResult{
			Name:    "Extractor",
			Status:  "FAIL",
			Message: fmt.Sprintf("Command %q not found", cfg.Extractor.Command),
			Detail:  "Every queued item will fail until extractor.command resolves",
		}
	}
	return CheckResult{Name: "Extractor", Status: "PASS", Message: fmt.Sprintf("Command resolved to %s", path)}
}
