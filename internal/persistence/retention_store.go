package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedQueueItems int64 `json:"purged_queue_items"`
}

// RunRetention deletes processed queue items older than processedDays. Failed
// items are kept for inspection. The job is idempotent; zero disables it.
func (s *Store) RunRetention(ctx context.Context, processedDays int) (RetentionResult, error) {
	var result RetentionResult
	if processedDays <= 0 {
		return result, nil
	}
	n, err := s.PurgeProcessed(ctx, time.Duration(processedDays)*24*time.Hour)
	if err != nil {
		return result, err
	}
	result.PurgedQueueItems = n
	return result, nil
}

// PurgeProcessed deletes processed items completed before now-olderThan.
func (s *Store) PurgeProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := toEpochMs(s.now().Add(-olderThan))
	n, err := s.execCount(ctx, `
		DELETE FROM pending_messages
		WHERE status = 'processed' AND completed_at_epoch < ?;
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge processed items: %w", err)
	}
	return n, nil
}
