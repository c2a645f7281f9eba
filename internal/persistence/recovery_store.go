package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StaleSession is an active session with no activity since the cutoff.
type StaleSession struct {
	ID               int64   `json:"id"`
	ContentSessionID string  `json:"content_session_id"`
	MemorySessionID  *string `json:"memory_session_id,omitempty"`
	HasSummary       bool    `json:"has_summary"`
}

// StaleCloseResult lists the sessions a CloseStaleSessions run closed.
type StaleCloseResult struct {
	Completed []int64 `json:"completed"`
	Failed    []int64 `json:"failed"`
}

const staleSessionsQuery = `
	SELECT s.id, s.content_session_id, s.memory_session_id,
		EXISTS (SELECT 1 FROM session_summaries ss WHERE ss.memory_session_id = s.memory_session_id)
	FROM sdk_sessions s
	WHERE s.status = 'active'
		AND s.started_at_epoch < ?1
		AND NOT EXISTS (
			SELECT 1 FROM pending_messages pm
			WHERE pm.session_db_id = s.id
				AND (pm.status IN ('pending', 'processing') OR pm.created_at_epoch >= ?1)
		)
		AND NOT EXISTS (
			SELECT 1 FROM observations o
			WHERE o.memory_session_id = s.memory_session_id AND o.created_at_epoch >= ?1
		)
		AND NOT EXISTS (
			SELECT 1 FROM session_summaries ss
			WHERE ss.memory_session_id = s.memory_session_id AND ss.created_at_epoch >= ?1
		)
		AND NOT EXISTS (
			SELECT 1 FROM user_prompts up
			WHERE up.content_session_id = s.content_session_id AND up.created_at_epoch >= ?1
		)
	ORDER BY s.id ASC;
`

// StaleActiveSessions lists active sessions started before now-threshold
// with no queued work and no activity since then.
func (s *Store) StaleActiveSessions(ctx context.Context, threshold time.Duration) ([]StaleSession, error) {
	cutoff := toEpochMs(s.now().Add(-threshold))
	rows, err := s.db.QueryContext(ctx, staleSessionsQuery, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	return scanStaleSessions(rows)
}

// CloseStaleSessions closes every stale session: completed when a summary
// exists, failed otherwise. Selection and closing share one write
// transaction so work enqueued concurrently keeps its session open.
func (s *Store) CloseStaleSessions(ctx context.Context, threshold time.Duration) (StaleCloseResult, error) {
	var result StaleCloseResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = StaleCloseResult{}
		now := s.now()
		rows, err := tx.QueryContext(ctx, staleSessionsQuery, toEpochMs(now.Add(-threshold)))
		if err != nil {
			return fmt.Errorf("query stale sessions: %w", err)
		}
		stale, err := scanStaleSessions(rows)
		if err != nil {
			return err
		}
		for _, ss := range stale {
			status := SessionStatusFailed
			if ss.HasSummary {
				status = SessionStatusCompleted
			}
			applied, err := closeSessionTx(ctx, tx, ss.ID, status, toEpochMs(now))
			if err != nil {
				return err
			}
			if !applied {
				continue
			}
			if status == SessionStatusCompleted {
				result.Completed = append(result.Completed, ss.ID)
			} else {
				result.Failed = append(result.Failed, ss.ID)
			}
		}
		return nil
	})
	if err != nil {
		return StaleCloseResult{}, fmt.Errorf("close stale sessions: %w", err)
	}
	return result, nil
}

func scanStaleSessions(rows *sql.Rows) ([]StaleSession, error) {
	defer rows.Close()
	var out []StaleSession
	for rows.Next() {
		var (
			ss       StaleSession
			memoryID sql.NullString
		)
		if err := rows.Scan(&ss.ID, &ss.ContentSessionID, &memoryID, &ss.HasSummary); err != nil {
			return nil, fmt.Errorf("scan stale session: %w", err)
		}
		ss.MemorySessionID = nullStringPtr(memoryID)
		out = append(out, ss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale session rows: %w", err)
	}
	return out, nil
}
