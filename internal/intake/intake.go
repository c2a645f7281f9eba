// Package intake turns normalized hook events into sessions, prompts and
// durable queue items, and wakes the orchestrator for new work.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/memq/internal/persistence"
	"github.com/basket/memq/internal/schema"
)

// Event kinds accepted by Handle.
const (
	KindPrompt      = "prompt"
	KindObservation = "observation"
	KindSummarize   = "summarize"
)

// ErrInvalidEvent wraps every validation failure of an inbound event.
var ErrInvalidEvent = errors.New("invalid event")

var payloadSchemas = map[string]*schema.Validator{
	KindPrompt: schema.MustCompile("prompt", []byte(`{
		"type": "object",
		"required": ["prompt"],
		"properties": {
			"prompt": {"type": "string", "minLength": 1}
		}
	}`)),
	KindObservation: schema.MustCompile("observation", []byte(`{
		"type": "object",
		"minProperties": 1
	}`)),
	KindSummarize: schema.MustCompile("summarize", []byte(`{
		"type": "object"
	}`)),
}

// Event is one already-normalized hook call.
type Event struct {
	ExternalSessionID string          `json:"external_session_id"`
	Project           string          `json:"project"`
	Kind              string          `json:"kind"`
	Payload           json.RawMessage `json:"payload"`
}

// Result reports what Handle did with an event.
type Result struct {
	SessionID    int64 `json:"session_id"`
	PromptNumber int   `json:"prompt_number,omitempty"`
	ItemID       int64 `json:"item_id,omitempty"`
	// Started is true when the event started a new processing task.
	Started bool `json:"started,omitempty"`
}

// Notifier is told about sessions with new queue items.
// *orchestrator.Orchestrator satisfies it.
type Notifier interface {
	Ensure(sessionID int64) bool
}

type Config struct {
	Store    *persistence.Store
	Notifier Notifier
	Logger   *slog.Logger
}

type Service struct {
	store    *persistence.Store
	notifier Notifier
	logger   *slog.Logger
}

func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: cfg.Store, notifier: cfg.Notifier, logger: logger.With("component", "intake")}
}

// Handle validates ev and records it. Prompts are stored directly and reopen
// a closed session; observation and summarize events are enqueued before any
// processing is attempted.
func (s *Service) Handle(ctx context.Context, ev Event) (Result, error) {
	ev.ExternalSessionID = strings.TrimSpace(ev.ExternalSessionID)
	ev.Kind = strings.ToLower(strings.TrimSpace(ev.Kind))
	if err := validate(ev); err != nil {
		return Result{}, err
	}
	switch ev.Kind {
	case KindPrompt:
		return s.handlePrompt(ctx, ev)
	default:
		return s.handleWork(ctx, ev)
	}
}

func validate(ev Event) error {
	if ev.ExternalSessionID == "" {
		return fmt.Errorf("%w: external session id is required", ErrInvalidEvent)
	}
	v, ok := payloadSchemas[ev.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if err := v.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

func (s *Service) handlePrompt(ctx context.Context, ev Event) (Result, error) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(ev.Payload, &body); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	sessionID, err := s.store.CreateSession(ctx, ev.ExternalSessionID, ev.Project, body.Prompt)
	if err != nil {
		return Result{}, fmt.Errorf("handle prompt: %w", err)
	}
	reopened, err := s.store.ReopenSession(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("handle prompt: %w", err)
	}
	n, err := s.store.IncrementPromptCounter(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("handle prompt: %w", err)
	}
	if _, err := s.store.SavePrompt(ctx, ev.ExternalSessionID, n, body.Prompt); err != nil {
		return Result{}, fmt.Errorf("handle prompt: %w", err)
	}
	s.logger.Info("prompt recorded", "session_id", sessionID, "prompt_number", n, "reopened", reopened)
	return Result{SessionID: sessionID, PromptNumber: n}, nil
}

func (s *Service) handleWork(ctx context.Context, ev Event) (Result, error) {
	sessionID, err := s.store.CreateSession(ctx, ev.ExternalSessionID, ev.Project, "")
	if err != nil {
		return Result{}, fmt.Errorf("handle %s: %w", ev.Kind, err)
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("handle %s: %w", ev.Kind, err)
	}
	var promptNumber *int
	if sess.PromptCounter > 0 {
		n := sess.PromptCounter
		promptNumber = &n
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	itemID, err := s.store.Enqueue(ctx, sessionID, persistence.QueueKind(ev.Kind), payload, promptNumber)
	if err != nil {
		return Result{}, fmt.Errorf("handle %s: %w", ev.Kind, err)
	}
	res := Result{SessionID: sessionID, ItemID: itemID}
	if promptNumber != nil {
		res.PromptNumber = *promptNumber
	}
	if s.notifier != nil {
		res.Started = s.notifier.Ensure(sessionID)
	}
	s.logger.Debug("work enqueued", "session_id", sessionID, "item_id", itemID, "kind", ev.Kind, "started", res.Started)
	return res, nil
}
