package persistence

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by single-row lookups that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrInvalidQueueKind rejects queue messages outside the known kinds.
	ErrInvalidQueueKind = errors.New("invalid queue message kind")
	// ErrInvalidObservationType rejects observation types the mode does not know.
	ErrInvalidObservationType = errors.New("invalid observation type")
	// ErrNotClaimed is returned when a terminal transition targets an item that
	// is not currently processing.
	ErrNotClaimed = errors.New("queue item not in processing state")
	// ErrDigestMismatch is returned when an imported export fails verification.
	ErrDigestMismatch = errors.New("export digest mismatch")
)

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Session is one row of sdk_sessions.
type Session struct {
	ID               int64         `json:"id"`
	ContentSessionID string        `json:"content_session_id"`
	MemorySessionID  *string       `json:"memory_session_id,omitempty"`
	Project          string        `json:"project"`
	UserPrompt       *string       `json:"user_prompt,omitempty"`
	PromptCounter    int           `json:"prompt_counter"`
	Status           SessionStatus `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// Observation is one structured fact captured during a session.
type Observation struct {
	ID              int64     `json:"id"`
	MemorySessionID string    `json:"memory_session_id"`
	Project         string    `json:"project"`
	Type            string    `json:"type"`
	Title           *string   `json:"title,omitempty"`
	Subtitle        *string   `json:"subtitle,omitempty"`
	Narrative       *string   `json:"narrative,omitempty"`
	Facts           []string  `json:"facts"`
	Concepts        []string  `json:"concepts"`
	FilesRead       []string  `json:"files_read"`
	FilesModified   []string  `json:"files_modified"`
	Tags            []string  `json:"tags"`
	PromptNumber    *int      `json:"prompt_number,omitempty"`
	DiscoveryTokens int64     `json:"discovery_tokens"`
	CreatedAt       time.Time `json:"created_at"`
}

// Summary is a synthesized session record. The row with the highest id for
// a memory session is the current one.
type Summary struct {
	ID              int64     `json:"id"`
	MemorySessionID string    `json:"memory_session_id"`
	Project         string    `json:"project"`
	Request         *string   `json:"request,omitempty"`
	Investigated    *string   `json:"investigated,omitempty"`
	Learned         *string   `json:"learned,omitempty"`
	Completed       *string   `json:"completed,omitempty"`
	NextSteps       *string   `json:"next_steps,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	PromptNumber    *int      `json:"prompt_number,omitempty"`
	DiscoveryTokens int64     `json:"discovery_tokens"`
	CreatedAt       time.Time `json:"created_at"`
}

// Prompt is a raw user utterance keyed by (content session id, prompt number).
type Prompt struct {
	ID               int64     `json:"id"`
	ContentSessionID string    `json:"content_session_id"`
	PromptNumber     int       `json:"prompt_number"`
	Text             string    `json:"prompt_text"`
	CreatedAt        time.Time `json:"created_at"`
}

// Tag is the derived usage counter for one tag name.
type Tag struct {
	Name       string    `json:"name"`
	UsageCount int       `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

type QueueKind string

const (
	QueueKindObservation QueueKind = "observation"
	QueueKindSummarize   QueueKind = "summarize"
)

// Valid reports whether k is one of the known message kinds.
func (k QueueKind) Valid() bool {
	return k == QueueKindObservation || k == QueueKindSummarize
}

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusProcessed  QueueStatus = "processed"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueItem is one durable unit of work for a session.
type QueueItem struct {
	ID                  int64       `json:"id"`
	SessionID           int64       `json:"session_db_id"`
	ContentSessionID    string      `json:"content_session_id"`
	Kind                QueueKind   `json:"message_type"`
	Payload             string      `json:"payload"`
	PromptNumber        *int        `json:"prompt_number,omitempty"`
	Status              QueueStatus `json:"status"`
	RetryCount          int         `json:"retry_count"`
	LastError           *string     `json:"last_error,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	StartedProcessingAt *time.Time  `json:"started_processing_at,omitempty"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
	FailedAt            *time.Time  `json:"failed_at,omitempty"`
}

// ObservationInput is one extracted observation to persist.
type ObservationInput struct {
	Type          string   `json:"type"`
	Title         string   `json:"title,omitempty"`
	Subtitle      string   `json:"subtitle,omitempty"`
	Narrative     string   `json:"narrative,omitempty"`
	Facts         []string `json:"facts,omitempty"`
	Concepts      []string `json:"concepts,omitempty"`
	FilesRead     []string `json:"files_read,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// SummaryInput is one extracted session summary to persist.
type SummaryInput struct {
	Request      string `json:"request,omitempty"`
	Investigated string `json:"investigated,omitempty"`
	Learned      string `json:"learned,omitempty"`
	Completed    string `json:"completed,omitempty"`
	NextSteps    string `json:"next_steps,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// StoreRequest groups the rows produced by one extraction.
type StoreRequest struct {
	MemorySessionID string
	Project         string
	Observations    []ObservationInput
	Summary         *SummaryInput
	PromptNumber    *int
	DiscoveryTokens int64
	// CreatedAt stamps every row; zero means now.
	CreatedAt time.Time
}

// StoreResult carries the ids assigned by StoreObservationsAndSummary.
type StoreResult struct {
	ObservationIDs []int64 `json:"observation_ids"`
	SummaryID      *int64  `json:"summary_id,omitempty"`
	CreatedAt      int64   `json:"created_at_epoch"`
}

func toEpochMs(t time.Time) int64 {
	return t.UnixMilli()
}

func fromEpochMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
