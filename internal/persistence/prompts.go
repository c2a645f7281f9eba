package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SavePrompt records the raw text of prompt promptNumber for a session.
// Saving the same key again keeps the first text and returns the same id.
func (s *Store) SavePrompt(ctx context.Context, externalID string, promptNumber int, text string) (int64, error) {
	if strings.TrimSpace(externalID) == "" {
		return 0, fmt.Errorf("save prompt: external id is required")
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_prompts (content_session_id, prompt_number, prompt_text, created_at_epoch)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(content_session_id, prompt_number) DO NOTHING;
		`, externalID, promptNumber, text, s.nowMs()); err != nil {
			return fmt.Errorf("insert prompt: %w", err)
		}
		return tx.QueryRowContext(ctx, `
			SELECT id FROM user_prompts WHERE content_session_id = ? AND prompt_number = ?;
		`, externalID, promptNumber).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("save prompt %s#%d: %w", externalID, promptNumber, err)
	}
	return id, nil
}

// PromptFilter narrows ListPrompts.
type PromptFilter struct {
	ContentSessionID string
	Since            time.Time
	Limit            int
}

// ListPrompts returns prompts oldest first.
func (s *Store) ListPrompts(ctx context.Context, f PromptFilter) ([]Prompt, error) {
	var (
		where []string
		args  []any
	)
	if f.ContentSessionID != "" {
		where = append(where, "content_session_id = ?")
		args = append(args, f.ContentSessionID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at_epoch >= ?")
		args = append(args, toEpochMs(f.Since))
	}
	query := `SELECT id, content_session_id, prompt_number, prompt_text, created_at_epoch FROM user_prompts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY content_session_id, prompt_number"
	query, args = appendLimit(query, args, f.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()
	var out []Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list prompts rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetPrompt(ctx context.Context, externalID string, promptNumber int) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content_session_id, prompt_number, prompt_text, created_at_epoch
		FROM user_prompts
		WHERE content_session_id = ? AND prompt_number = ?;
	`, externalID, promptNumber)
	p, err := scanPrompt(row)
	if err != nil {
		return nil, fmt.Errorf("get prompt %s#%d: %w", externalID, promptNumber, err)
	}
	return p, nil
}

func scanPrompt(row rowScanner) (*Prompt, error) {
	var (
		p         Prompt
		createdAt int64
	)
	err := row.Scan(&p.ID, &p.ContentSessionID, &p.PromptNumber, &p.Text, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = fromEpochMs(createdAt)
	return &p, nil
}
