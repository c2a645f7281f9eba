package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const summaryColumns = `id, memory_session_id, project, request, investigated, learned, completed,
	next_steps, notes, prompt_number, discovery_tokens, created_at_epoch`

// SummaryFilter narrows ListSummaries. Zero values match everything.
type SummaryFilter struct {
	MemorySessionID string
	Project         string
	Since           time.Time
	Limit           int
	Offset          int
}

// ListSummaries returns summaries newest first, history rows included.
func (s *Store) ListSummaries(ctx context.Context, f SummaryFilter) ([]Summary, error) {
	var (
		where []string
		args  []any
	)
	if f.MemorySessionID != "" {
		where = append(where, "memory_session_id = ?")
		args = append(args, f.MemorySessionID)
	}
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at_epoch >= ?")
		args = append(args, toEpochMs(f.Since))
	}
	query := `SELECT ` + summaryColumns + ` FROM session_summaries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	query, args = appendLimit(query, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, *sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list summaries rows: %w", err)
	}
	return out, nil
}

// LatestSummary returns the current summary for a memory session, or
// ErrNotFound when none was written.
func (s *Store) LatestSummary(ctx context.Context, memorySessionID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+summaryColumns+`
		FROM session_summaries
		WHERE memory_session_id = ?
		ORDER BY id DESC
		LIMIT 1;
	`, memorySessionID)
	sum, err := scanSummary(row)
	if err != nil {
		return nil, fmt.Errorf("latest summary %q: %w", memorySessionID, err)
	}
	return sum, nil
}

func scanSummary(row rowScanner) (*Summary, error) {
	var (
		sum                                     Summary
		request, investigated, learned, compl   sql.NullString
		nextSteps, notes                        sql.NullString
		promptNumber                            sql.NullInt64
		createdAt                               int64
	)
	err := row.Scan(&sum.ID, &sum.MemorySessionID, &sum.Project,
		&request, &investigated, &learned, &compl, &nextSteps, &notes,
		&promptNumber, &sum.DiscoveryTokens, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sum.Request = nullStringPtr(request)
	sum.Investigated = nullStringPtr(investigated)
	sum.Learned = nullStringPtr(learned)
	sum.Completed = nullStringPtr(compl)
	sum.NextSteps = nullStringPtr(nextSteps)
	sum.Notes = nullStringPtr(notes)
	sum.PromptNumber = nullIntPtr(promptNumber)
	sum.CreatedAt = fromEpochMs(createdAt)
	return &sum, nil
}
