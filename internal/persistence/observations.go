package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const observationColumns = `id, memory_session_id, project, type, title, subtitle, narrative,
	facts, concepts, files_read, files_modified, tags, prompt_number, discovery_tokens, created_at_epoch`

// StoreObservationsAndSummary writes every observation and the optional
// summary in one transaction. Either all rows commit or none do.
func (s *Store) StoreObservationsAndSummary(ctx context.Context, req StoreRequest) (StoreResult, error) {
	var res StoreResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = s.storeTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return StoreResult{}, err
	}
	return res, nil
}

func (s *Store) storeTx(ctx context.Context, tx *sql.Tx, req StoreRequest) (StoreResult, error) {
	if strings.TrimSpace(req.MemorySessionID) == "" {
		return StoreResult{}, fmt.Errorf("store extraction: memory session id is required")
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	res := StoreResult{CreatedAt: toEpochMs(createdAt)}

	for i, obs := range req.Observations {
		if !s.mode.ValidType(obs.Type) {
			return StoreResult{}, fmt.Errorf("observation %d type %q: %w", i, obs.Type, ErrInvalidObservationType)
		}
		tags := normalizeTags(obs.Tags)
		cols, err := encodeLists(obs.Facts, s.mode.FilterConcepts(obs.Concepts), obs.FilesRead, obs.FilesModified, tags)
		if err != nil {
			return StoreResult{}, fmt.Errorf("observation %d: %w", i, err)
		}
		var id int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO observations (
				memory_session_id, project, type, title, subtitle, narrative,
				facts, concepts, files_read, files_modified, tags,
				prompt_number, discovery_tokens, created_at_epoch
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id;
		`, req.MemorySessionID, req.Project, strings.ToLower(strings.TrimSpace(obs.Type)),
			optionalString(obs.Title), optionalString(obs.Subtitle), optionalString(obs.Narrative),
			cols[0], cols[1], cols[2], cols[3], cols[4],
			req.PromptNumber, req.DiscoveryTokens, res.CreatedAt,
		).Scan(&id); err != nil {
			return StoreResult{}, fmt.Errorf("insert observation %d: %w", i, err)
		}
		for _, tag := range tags {
			if err := bumpTagTx(ctx, tx, tag, 1, res.CreatedAt); err != nil {
				return StoreResult{}, err
			}
		}
		res.ObservationIDs = append(res.ObservationIDs, id)
	}

	if sum := req.Summary; sum != nil {
		var id int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO session_summaries (
				memory_session_id, project, request, investigated, learned, completed,
				next_steps, notes, prompt_number, discovery_tokens, created_at_epoch
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id;
		`, req.MemorySessionID, req.Project,
			optionalString(sum.Request), optionalString(sum.Investigated), optionalString(sum.Learned),
			optionalString(sum.Completed), optionalString(sum.NextSteps), optionalString(sum.Notes),
			req.PromptNumber, req.DiscoveryTokens, res.CreatedAt,
		).Scan(&id); err != nil {
			return StoreResult{}, fmt.Errorf("insert summary: %w", err)
		}
		res.SummaryID = &id
	}
	return res, nil
}

// ObservationFilter narrows ListObservations. Zero values match everything.
type ObservationFilter struct {
	MemorySessionID string
	Project         string
	Types           []string
	Tag             string
	Concept         string
	// FilePath matches an entry of files_read or files_modified exactly or
	// as a path suffix.
	FilePath string
	IDs      []int64
	Since    time.Time
	Until    time.Time
	// Ascending orders oldest first; the default is newest first.
	Ascending bool
	Limit     int
	Offset    int
}

// ListObservations returns matching observations. No match yields nil.
func (s *Store) ListObservations(ctx context.Context, f ObservationFilter) ([]Observation, error) {
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
	if len(f.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, strings.ToLower(strings.TrimSpace(t)))
		}
	}
	if f.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(observations.tags) WHERE value = ?)")
		args = append(args, normalizeTag(f.Tag))
	}
	if f.Concept != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(observations.concepts) WHERE value = ?)")
		args = append(args, strings.ToLower(strings.TrimSpace(f.Concept)))
	}
	if f.FilePath != "" {
		where = append(where, `(
			EXISTS (SELECT 1 FROM json_each(observations.files_read) WHERE value = ? OR value LIKE ?)
			OR EXISTS (SELECT 1 FROM json_each(observations.files_modified) WHERE value = ? OR value LIKE ?)
		)`)
		suffix := "%/" + strings.TrimLeft(f.FilePath, "/")
		args = append(args, f.FilePath, suffix, f.FilePath, suffix)
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at_epoch >= ?")
		args = append(args, toEpochMs(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at_epoch < ?")
		args = append(args, toEpochMs(f.Until))
	}

	query := `SELECT ` + observationColumns + ` FROM observations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Ascending {
		query += " ORDER BY created_at_epoch ASC, id ASC"
	} else {
		query += " ORDER BY created_at_epoch DESC, id DESC"
	}
	query, args = appendLimit(query, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()
	var out []Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, *obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list observations rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetObservation(ctx context.Context, id int64) (*Observation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE id = ?;`, id)
	obs, err := scanObservation(row)
	if err != nil {
		return nil, fmt.Errorf("get observation %d: %w", id, err)
	}
	return obs, nil
}

func scanObservation(row rowScanner) (*Observation, error) {
	var (
		obs                                     Observation
		title, subtitle, narrative              sql.NullString
		facts, concepts, filesRead, filesMod, t string
		promptNumber                            sql.NullInt64
		createdAt                               int64
	)
	err := row.Scan(&obs.ID, &obs.MemorySessionID, &obs.Project, &obs.Type,
		&title, &subtitle, &narrative,
		&facts, &concepts, &filesRead, &filesMod, &t,
		&promptNumber, &obs.DiscoveryTokens, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	obs.Title = nullStringPtr(title)
	obs.Subtitle = nullStringPtr(subtitle)
	obs.Narrative = nullStringPtr(narrative)
	for _, pair := range []struct {
		raw string
		dst *[]string
	}{
		{facts, &obs.Facts},
		{concepts, &obs.Concepts},
		{filesRead, &obs.FilesRead},
		{filesMod, &obs.FilesModified},
		{t, &obs.Tags},
	} {
		list, err := decodeList(pair.raw)
		if err != nil {
			return nil, fmt.Errorf("observation %d: %w", obs.ID, err)
		}
		*pair.dst = list
	}
	obs.PromptNumber = nullIntPtr(promptNumber)
	obs.CreatedAt = fromEpochMs(createdAt)
	return &obs, nil
}

func encodeLists(lists ...[]string) ([]string, error) {
	out := make([]string, len(lists))
	for i, l := range lists {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return nil, fmt.Errorf("encode list: %w", err)
		}
		out[i] = string(b)
	}
	return out, nil
}

func decodeList(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
