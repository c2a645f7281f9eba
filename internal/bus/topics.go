package bus

// Queue and session lifecycle topics. Subscribe to "queue." or "session." for
// a family.
const (
	TopicProcessingStatus = "queue.processing_status"
	TopicItemProcessed    = "queue.item.processed"
	TopicItemFailed       = "queue.item.failed"
	TopicItemReleased     = "queue.item.released"
	TopicSessionClosed    = "session.closed"
	TopicSweepCompleted   = "recovery.sweep_completed"
	TopicConfigReloaded   = "config.reloaded"
)

// ProcessingStatus is published whenever the set of running sessions or the
// queue depth changes.
type ProcessingStatus struct {
	IsProcessing   bool `json:"is_processing"`
	QueueDepth     int  `json:"queue_depth"`
	ActiveSessions int  `json:"active_sessions"`
}

// ItemEvent describes one queue item transition.
type ItemEvent struct {
	ItemID     int64  `json:"item_id"`
	SessionID  int64  `json:"session_id"`
	Kind       string `json:"kind"`
	RetryCount int    `json:"retry_count,omitempty"`
	Terminal   bool   `json:"terminal,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SessionClosedEvent is published when a session leaves the active state.
type SessionClosedEvent struct {
	SessionID int64  `json:"session_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

// SweepEvent summarizes one recovery pass.
type SweepEvent struct {
	ResetStuck      int64 `json:"reset_stuck"`
	ClosedCompleted int   `json:"closed_completed"`
	ClosedFailed    int   `json:"closed_failed"`
	SessionsStarted int   `json:"sessions_started"`
}
