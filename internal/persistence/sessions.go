package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const sessionColumns = `id, content_session_id, memory_session_id, project, user_prompt,
	prompt_counter, status, started_at_epoch, completed_at_epoch`

// CreateSession returns the row id for externalID, inserting it on first
// sight. Repeated calls return the same id. A later call that supplies a
// project fills in a blank one.
func (s *Store) CreateSession(ctx context.Context, externalID, project, initialPrompt string) (int64, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return 0, fmt.Errorf("create session: external id is required")
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sdk_sessions (content_session_id, project, user_prompt, status, started_at_epoch)
			VALUES (?, ?, ?, 'active', ?)
			ON CONFLICT(content_session_id) DO NOTHING;
		`, externalID, project, optionalString(initialPrompt), s.nowMs()); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if project != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sdk_sessions SET project = ?
				WHERE content_session_id = ? AND project = '';
			`, project, externalID); err != nil {
				return fmt.Errorf("backfill session project: %w", err)
			}
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT id FROM sdk_sessions WHERE content_session_id = ?;
		`, externalID).Scan(&id); err != nil {
			return fmt.Errorf("select session id: %w", err)
		}
		return nil
	})
	return id, err
}

func (s *Store) GetSession(ctx context.Context, sessionID int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sdk_sessions WHERE id = ?;`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("get session %d: %w", sessionID, err)
	}
	return sess, nil
}

func (s *Store) GetSessionByExternalID(ctx context.Context, externalID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sdk_sessions WHERE content_session_id = ?;`, externalID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("get session %q: %w", externalID, err)
	}
	return sess, nil
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	Project string
	Status  SessionStatus
	Limit   int
	Offset  int
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]Session, error) {
	var (
		where []string
		args  []any
	)
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + sessionColumns + ` FROM sdk_sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at_epoch DESC, id DESC"
	query, args = appendLimit(query, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions rows: %w", err)
	}
	return out, nil
}

// MarkSessionCompleted moves an active session to completed. It reports
// whether this call performed the transition.
func (s *Store) MarkSessionCompleted(ctx context.Context, sessionID int64) (bool, error) {
	return s.closeSession(ctx, sessionID, SessionStatusCompleted)
}

// MarkSessionFailed moves an active session to failed.
func (s *Store) MarkSessionFailed(ctx context.Context, sessionID int64) (bool, error) {
	return s.closeSession(ctx, sessionID, SessionStatusFailed)
}

func (s *Store) closeSession(ctx context.Context, sessionID int64, status SessionStatus) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = closeSessionTx(ctx, tx, sessionID, status, s.nowMs())
		return err
	})
	return applied, err
}

func closeSessionTx(ctx context.Context, tx *sql.Tx, sessionID int64, status SessionStatus, nowMs int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE sdk_sessions
		SET status = ?, completed_at_epoch = ?
		WHERE id = ? AND status = 'active';
	`, string(status), nowMs, sessionID)
	if err != nil {
		return false, fmt.Errorf("mark session %d %s: %w", sessionID, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ReopenSession returns a completed or failed session to active.
func (s *Store) ReopenSession(ctx context.Context, sessionID int64) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sdk_sessions
			SET status = 'active', completed_at_epoch = NULL
			WHERE id = ? AND status != 'active';
		`, sessionID)
		if err != nil {
			return fmt.Errorf("reopen session %d: %w", sessionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		applied = n == 1
		return nil
	})
	return applied, err
}

// UpdateMemorySessionID assigns the internal agent id. The first assignment
// wins; the returned value is whatever id the session holds afterwards.
func (s *Store) UpdateMemorySessionID(ctx context.Context, sessionID int64, memoryID string) (string, error) {
	memoryID = strings.TrimSpace(memoryID)
	if memoryID == "" {
		return "", fmt.Errorf("update memory session id: id is required")
	}
	var current sql.NullString
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sdk_sessions SET memory_session_id = ?
			WHERE id = ? AND memory_session_id IS NULL;
		`, memoryID, sessionID); err != nil {
			return fmt.Errorf("set memory session id: %w", err)
		}
		err := tx.QueryRowContext(ctx, `SELECT memory_session_id FROM sdk_sessions WHERE id = ?;`, sessionID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("update memory session id %d: %w", sessionID, err)
	}
	return current.String, nil
}

// IncrementPromptCounter bumps the session's prompt counter and returns the
// new value.
func (s *Store) IncrementPromptCounter(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE sdk_sessions SET prompt_counter = prompt_counter + 1
			WHERE id = ?
			RETURNING prompt_counter;
		`, sessionID).Scan(&n)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("increment prompt counter %d: %w", sessionID, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess        Session
		memoryID    sql.NullString
		userPrompt  sql.NullString
		status      string
		startedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.ContentSessionID, &memoryID, &sess.Project, &userPrompt,
		&sess.PromptCounter, &status, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.MemorySessionID = nullStringPtr(memoryID)
	sess.UserPrompt = nullStringPtr(userPrompt)
	sess.Status = SessionStatus(status)
	sess.StartedAt = fromEpochMs(startedAt)
	sess.CompletedAt = nullTimePtr(completedAt)
	return &sess, nil
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromEpochMs(v.Int64)
	return &t
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func appendLimit(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	return query, args
}
