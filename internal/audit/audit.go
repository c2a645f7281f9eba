// Package audit appends a record of every administrative mutation (queue
// retries and clears, imports, manual recovery passes) to
// <home>/logs/audit.jsonl so an operator can see who changed queue state
// outside normal processing.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/memq/internal/shared"
)

type Entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Affected  int64  `json:"affected"`
}

// Outcomes recorded with each entry.
const (
	OutcomeOK    = "ok"
	OutcomeNoop  = "noop"
	OutcomeError = "error"
)

// Log is an append-only JSONL audit file. A nil *Log discards records.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	errors atomic.Int64
}

func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(Path(homeDir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ErrorCount returns how many error outcomes were recorded since Open.
func (l *Log) ErrorCount() int64 {
	if l == nil {
		return 0
	}
	return l.errors.Load()
}

// Record appends one entry. Subject and detail are redacted first.
func (l *Log) Record(action, outcome, subject, detail string, affected int64) {
	if l == nil {
		return
	}
	if outcome == OutcomeError {
		l.errors.Add(1)
	}
	ev := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Outcome:   outcome,
		Subject:   shared.Redact(subject),
		Detail:    shared.Redact(detail),
		Affected:  affected,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}

// RecordResult derives the outcome from err and affected: an error wins,
// otherwise zero affected rows is a no-op.
func (l *Log) RecordResult(action, subject string, affected int64, err error) {
	switch {
	case err != nil:
		l.Record(action, OutcomeError, subject, err.Error(), affected)
	case affected == 0:
		l.Record(action, OutcomeNoop, subject, "", 0)
	default:
		l.Record(action, OutcomeOK, subject, "", affected)
	}
}
