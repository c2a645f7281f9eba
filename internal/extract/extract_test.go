package extract_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/memq/internal/extract"
	"github.com/basket/memq/internal/orchestrator"
	"github.com/basket/memq/internal/persistence"
	"github.com/basket/memq/internal/schema"
)

func shell(script string) *extract.CommandExtractor {
	return &extract.CommandExtractor{Command: "sh", Args: []string{"-c", script}}
}

func item(kind persistence.QueueKind, payload string) persistence.QueueItem {
	return persistence.QueueItem{ID: 7, SessionID: 1, Kind: kind, Payload: payload}
}

var sc = orchestrator.SessionContext{SessionID: 1, ContentSessionID: "ext-1", Project: "proj", Mode: "code"}

func TestCommandExtractor_ParsesFencedOutput(t *testing.T) {
	ex := shell("cat >/dev/null; printf 'Sure, here you go:\\n```json\\n{\"memory_session_id\":\"agent-1\",\"discovery_tokens\":40,\"observations\":[{\"type\":\"bugfix\",\"title\":\"fix\",\"files_modified\":[\"a.go\"]}]}\\n```\\n'")
	got, err := ex.Extract(context.Background(), sc, item(persistence.QueueKindObservation, `{"tool":"edit"}`))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got.MemorySessionID != "agent-1" || got.DiscoveryTokens != 40 || len(got.Observations) != 1 {
		t.Fatalf("unexpected extraction %+v", got)
	}
	if obs := got.Observations[0]; obs.Type != "bugfix" || obs.FilesModified[0] != "a.go" {
		t.Fatalf("unexpected observation %+v", obs)
	}
}

func TestCommandExtractor_SendsRequestOnStdin(t *testing.T) {
	script := `read -r line
case "$line" in
*'"kind":"summarize"'*'"content_session_id":"ext-1"'*|*'"content_session_id":"ext-1"'*'"kind":"summarize"'*) echo '{"summary":{"completed":"done"}}' ;;
*) echo '{}' ;;
esac`
	got, err := shell(script).Extract(context.Background(), sc, item(persistence.QueueKindSummarize, `{"last":"msg"}`))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got.Summary == nil || got.Summary.Completed != "done" {
		t.Fatalf("expected summary echoed for a summarize request, got %+v", got)
	}
}

func TestCommandExtractor_FailureCarriesRedactedStderr(t *testing.T) {
	ex := shell("cat >/dev/null; echo 'auth failed for sk-abcdefghijklmnopqrstuvwx' >&2; exit 3")
	_, err := ex.Extract(context.Background(), sc, item(persistence.QueueKindObservation, "{}"))
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(err.Error(), "exit status 3") || !strings.Contains(err.Error(), "[REDACTED]") || strings.Contains(err.Error(), "sk-abc") {
		t.Fatalf("unexpected error %q", err)
	}
}

func TestCommandExtractor_HonorsContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := shell("exec sleep 5").Extract(ctx, sc, item(persistence.QueueKindObservation, "{}"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("extractor was not killed promptly")
	}
}

func TestCommandExtractor_RejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"missing type": `cat >/dev/null; echo '{"observations":[{"title":"untyped"}]}'`,
		"wrong shape":  `cat >/dev/null; echo '{"observations":"many"}'`,
	}
	for name, script := range cases {
		_, err := shell(script).Extract(context.Background(), sc, item(persistence.QueueKindObservation, "{}"))
		var verr *schema.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
	if _, err := shell(`cat >/dev/null; echo 'nothing useful'`).Extract(context.Background(), sc, item(persistence.QueueKindObservation, "{}")); err == nil {
		t.Fatalf("expected an error for output without JSON")
	}
}

func TestCommandExtractor_EmptyOutputIsEmptyExtraction(t *testing.T) {
	got, err := shell("cat >/dev/null").Extract(context.Background(), sc, item(persistence.QueueKindObservation, "{}"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got.Observations) != 0 || got.Summary != nil {
		t.Fatalf("expected empty extraction, got %+v", got)
	}
}

func TestCommandExtractor_RequiresCommand(t *testing.T) {
	if _, err := (&extract.CommandExtractor{}).Extract(context.Background(), sc, item(persistence.QueueKindObservation, "{}")); err == nil {
		t.Fatalf("expected error without a command")
	}
}

func TestPassthrough(t *testing.T) {
	var p extract.Passthrough
	got, err := p.Extract(context.Background(), sc, item(persistence.QueueKindObservation,
		`{"observations":[{"type":"decision","title":"use wal","tags":["db"]}],"tool":"ignored"}`))
	if err != nil {
		t.Fatalf("passthrough: %v", err)
	}
	if len(got.Observations) != 1 || got.Observations[0].Tags[0] != "db" {
		t.Fatalf("unexpected extraction %+v", got)
	}
	empty, err := p.Extract(context.Background(), sc, item(persistence.QueueKindSummarize, "{}"))
	if err != nil || empty.Summary != nil || len(empty.Observations) != 0 {
		t.Fatalf("expected empty extraction, got %+v %v", empty, err)
	}
	if _, err := p.Extract(context.Background(), sc, item(persistence.QueueKindObservation, `{"summary":"text"}`)); err == nil {
		t.Fatalf("expected a malformed summary to be rejected")
	}
}
