package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const queueColumns = `id, session_db_id, content_session_id, message_type, payload, prompt_number,
	status, retry_count, last_error, created_at_epoch, started_processing_at_epoch,
	completed_at_epoch, failed_at_epoch`

// FailureOutcome reports where Fail left an item.
type FailureOutcome struct {
	RetryCount int         `json:"retry_count"`
	Status     QueueStatus `json:"status"`
}

// Terminal reports whether the item exhausted its retries.
func (o FailureOutcome) Terminal() bool {
	return o.Status == QueueStatusFailed
}

// Enqueue persists a unit of work for a session before anything processes
// it. The session must exist.
func (s *Store) Enqueue(ctx context.Context, sessionID int64, kind QueueKind, payload string, promptNumber *int) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("enqueue %q: %w", kind, ErrInvalidQueueKind)
	}
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO pending_messages (
				session_db_id, content_session_id, message_type, payload, prompt_number,
				status, retry_count, created_at_epoch
			)
			SELECT id, content_session_id, ?, ?, ?, 'pending', 0, ?
			FROM sdk_sessions WHERE id = ?
			RETURNING id;
		`, string(kind), payload, promptNumber, s.nowMs(), sessionID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue for session %d: %w", sessionID, err)
	}
	return id, nil
}

// ClaimNext atomically moves the oldest pending item of a session to
// processing. It returns nil, nil when nothing is pending. Concurrent
// callers never receive the same item.
func (s *Store) ClaimNext(ctx context.Context, sessionID int64) (*QueueItem, error) {
	var item *QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE pending_messages
			SET status = 'processing', started_processing_at_epoch = ?
			WHERE id = (
				SELECT id FROM pending_messages
				WHERE session_db_id = ? AND status = 'pending'
				ORDER BY id ASC
				LIMIT 1
			) AND status = 'pending'
			RETURNING `+queueColumns+`;
		`, s.nowMs(), sessionID)
		var err error
		item, err = scanQueueItem(row)
		if errors.Is(err, ErrNotFound) {
			item = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim next for session %d: %w", sessionID, err)
	}
	return item, nil
}

// Complete marks a processing item processed.
func (s *Store) Complete(ctx context.Context, itemID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return completeItemTx(ctx, tx, itemID, s.nowMs())
	})
}

func completeItemTx(ctx context.Context, tx *sql.Tx, itemID, nowMs int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE pending_messages
		SET status = 'processed', completed_at_epoch = ?
		WHERE id = ? AND status = 'processing';
	`, nowMs, itemID)
	if err != nil {
		return fmt.Errorf("complete item %d: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete item %d: %w", itemID, ErrNotClaimed)
	}
	return nil
}

// CommitItem writes the extraction result for a claimed item, marks it
// processed and optionally completes the owning session, in one
// transaction.
func (s *Store) CommitItem(ctx context.Context, itemID int64, req StoreRequest, completeSession bool) (StoreResult, error) {
	var res StoreResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMs()
		var sessionID int64
		if err := tx.QueryRowContext(ctx, `SELECT session_db_id FROM pending_messages WHERE id = ?;`, itemID).Scan(&sessionID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("commit item %d: %w", itemID, ErrNotFound)
			}
			return fmt.Errorf("commit item %d: %w", itemID, err)
		}
		if err := completeItemTx(ctx, tx, itemID, now); err != nil {
			return err
		}
		var err error
		if len(req.Observations) > 0 || req.Summary != nil {
			res, err = s.storeTx(ctx, tx, req)
			if err != nil {
				return err
			}
		}
		if completeSession {
			if _, err := closeSessionTx(ctx, tx, sessionID, SessionStatusCompleted, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return StoreResult{}, err
	}
	return res, nil
}

// Fail records a failed attempt. The retry count always increases; the item
// returns to pending while its previous count is below the cap and is
// terminally failed otherwise.
func (s *Store) Fail(ctx context.Context, itemID int64, reason string) (FailureOutcome, error) {
	var out FailureOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `
			UPDATE pending_messages
			SET retry_count = retry_count + 1,
				last_error = ?,
				status = CASE WHEN retry_count < ? THEN 'pending' ELSE 'failed' END,
				started_processing_at_epoch = CASE WHEN retry_count < ? THEN NULL ELSE started_processing_at_epoch END,
				failed_at_epoch = CASE WHEN retry_count < ? THEN failed_at_epoch ELSE ? END
			WHERE id = ? AND status = 'processing'
			RETURNING retry_count, status;
		`, reason, s.maxRetries, s.maxRetries, s.maxRetries, s.nowMs(), itemID).Scan(&out.RetryCount, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotClaimed
		}
		if err != nil {
			return err
		}
		out.Status = QueueStatus(status)
		return nil
	})
	if err != nil {
		return FailureOutcome{}, fmt.Errorf("fail item %d: %w", itemID, err)
	}
	return out, nil
}

// Release returns a processing item to pending without consuming a retry.
func (s *Store) Release(ctx context.Context, itemID int64) (bool, error) {
	var released bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_messages
			SET status = 'pending', started_processing_at_epoch = NULL
			WHERE id = ? AND status = 'processing';
		`, itemID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		released = n == 1
		return err
	})
	if err != nil {
		return false, fmt.Errorf("release item %d: %w", itemID, err)
	}
	return released, nil
}

// Heartbeat refreshes the claim time of a processing item so ResetStuck
// leaves it alone. It reports false once the item is no longer claimed.
func (s *Store) Heartbeat(ctx context.Context, itemID int64) (bool, error) {
	var alive bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_messages
			SET started_processing_at_epoch = ?
			WHERE id = ? AND status = 'processing';
		`, s.nowMs(), itemID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		alive = n == 1
		return err
	})
	if err != nil {
		return false, fmt.Errorf("heartbeat item %d: %w", itemID, err)
	}
	return alive, nil
}

// ResetStuck returns processing items whose claim is older than threshold
// to pending and reports how many moved.
func (s *Store) ResetStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	var n int64
	cutoff := toEpochMs(s.now().Add(-threshold))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_messages
			SET status = 'pending', started_processing_at_epoch = NULL
			WHERE status = 'processing'
				AND (started_processing_at_epoch IS NULL OR started_processing_at_epoch < ?);
		`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reset stuck items: %w", err)
	}
	return n, nil
}

// QueueFilter narrows ListItems. Zero values match everything.
type QueueFilter struct {
	SessionID int64
	Statuses  []QueueStatus
	Kind      QueueKind
	Limit     int
}

// ListItems returns queue items oldest first.
func (s *Store) ListItems(ctx context.Context, f QueueFilter) ([]QueueItem, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID > 0 {
		where = append(where, "session_db_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.Kind != "" {
		where = append(where, "message_type = ?")
		args = append(args, string(f.Kind))
	}
	query := `SELECT ` + queueColumns + ` FROM pending_messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	query, args = appendLimit(query, args, f.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()
	var out []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue items rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetItem(ctx context.Context, itemID int64) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM pending_messages WHERE id = ?;`, itemID)
	item, err := scanQueueItem(row)
	if err != nil {
		return nil, fmt.Errorf("get queue item %d: %w", itemID, err)
	}
	return item, nil
}

// QueueDepth counts pending and processing items across all sessions.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pending_messages WHERE status IN ('pending', 'processing');
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// SessionQueueDepth counts pending and processing items of one session.
func (s *Store) SessionQueueDepth(ctx context.Context, sessionID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pending_messages
		WHERE session_db_id = ? AND status IN ('pending', 'processing');
	`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("session %d queue depth: %w", sessionID, err)
	}
	return n, nil
}

// RetryFailed moves one failed item back to pending with a fresh retry
// budget.
func (s *Store) RetryFailed(ctx context.Context, itemID int64) (bool, error) {
	n, err := s.execCount(ctx, `
		UPDATE pending_messages
		SET status = 'pending', retry_count = 0, failed_at_epoch = NULL, started_processing_at_epoch = NULL
		WHERE id = ? AND status = 'failed';
	`, itemID)
	if err != nil {
		return false, fmt.Errorf("retry item %d: %w", itemID, err)
	}
	return n == 1, nil
}

// RetryAllFailed moves every failed item back to pending.
func (s *Store) RetryAllFailed(ctx context.Context) (int64, error) {
	n, err := s.execCount(ctx, `
		UPDATE pending_messages
		SET status = 'pending', retry_count = 0, failed_at_epoch = NULL, started_processing_at_epoch = NULL
		WHERE status = 'failed';
	`)
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	return n, nil
}

// ClearFailed deletes every terminally failed item.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	n, err := s.execCount(ctx, `DELETE FROM pending_messages WHERE status = 'failed';`)
	if err != nil {
		return 0, fmt.Errorf("clear failed items: %w", err)
	}
	return n, nil
}

// ClearItem deletes one item that is not currently processing.
func (s *Store) ClearItem(ctx context.Context, itemID int64) (bool, error) {
	n, err := s.execCount(ctx, `DELETE FROM pending_messages WHERE id = ? AND status != 'processing';`, itemID)
	if err != nil {
		return false, fmt.Errorf("clear item %d: %w", itemID, err)
	}
	return n == 1, nil
}

// SessionsWithPendingWork lists session ids with at least one pending item,
// ordered by their oldest pending item.
func (s *Store) SessionsWithPendingWork(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_db_id
		FROM pending_messages
		WHERE status = 'pending'
		GROUP BY session_db_id
		ORDER BY MIN(id) ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("sessions with pending work: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var (
		item                             QueueItem
		kind, status                     string
		promptNumber                     sql.NullInt64
		lastError                        sql.NullString
		createdAt                        int64
		startedAt, completedAt, failedAt sql.NullInt64
	)
	err := row.Scan(&item.ID, &item.SessionID, &item.ContentSessionID, &kind, &item.Payload, &promptNumber,
		&status, &item.RetryCount, &lastError, &createdAt, &startedAt, &completedAt, &failedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item.Kind = QueueKind(kind)
	item.Status = QueueStatus(status)
	item.PromptNumber = nullIntPtr(promptNumber)
	item.LastError = nullStringPtr(lastError)
	item.CreatedAt = fromEpochMs(createdAt)
	item.StartedProcessingAt = nullTimePtr(startedAt)
	item.CompletedAt = nullTimePtr(completedAt)
	item.FailedAt = nullTimePtr(failedAt)
	return &item, nil
}
