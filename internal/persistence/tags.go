package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// AddTag attaches tag to an observation. It reports false without touching
// the counter when the observation already carries the tag.
func (s *Store) AddTag(ctx context.Context, observationID int64, tag string) (bool, error) {
	return s.editTags(ctx, observationID, tag, true)
}

// RemoveTag detaches tag from an observation. It reports false without
// touching the counter when the tag is absent.
func (s *Store) RemoveTag(ctx context.Context, observationID int64, tag string) (bool, error) {
	return s.editTags(ctx, observationID, tag, false)
}

func (s *Store) editTags(ctx context.Context, observationID int64, tag string, add bool) (bool, error) {
	name := normalizeTag(tag)
	if name == "" {
		return false, fmt.Errorf("tag name is required")
	}
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		changed = false
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT tags FROM observations WHERE id = ?;`, observationID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read tags: %w", err)
		}
		tags, err := decodeList(raw)
		if err != nil {
			return err
		}
		has := slices.Contains(tags, name)
		switch {
		case add && has, !add && !has:
			return nil
		case add:
			tags = append(tags, name)
		default:
			tags = slices.DeleteFunc(tags, func(t string) bool { return t == name })
		}
		enc, err := encodeLists(tags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE observations SET tags = ? WHERE id = ?;`, enc[0], observationID); err != nil {
			return fmt.Errorf("write tags: %w", err)
		}
		delta := 1
		if !add {
			delta = -1
		}
		if err := bumpTagTx(ctx, tx, name, delta, s.nowMs()); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("edit tag %q on observation %d: %w", name, observationID, err)
	}
	return changed, nil
}

func bumpTagTx(ctx context.Context, tx *sql.Tx, name string, delta int, nowMs int64) error {
	var err error
	if delta > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tags (name, usage_count, created_at_epoch)
			VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET usage_count = usage_count + excluded.usage_count;
		`, name, delta, nowMs)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE tags SET usage_count = MAX(usage_count + ?, 0) WHERE name = ?;
		`, delta, name)
	}
	if err != nil {
		return fmt.Errorf("update tag counter %q: %w", name, err)
	}
	return nil
}

// ListTags returns tags by descending usage.
func (s *Store) ListTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, usage_count, created_at_epoch
		FROM tags
		ORDER BY usage_count DESC, name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()
	var out []Tag
	for rows.Next() {
		var (
			t         Tag
			createdAt int64
		)
		if err := rows.Scan(&t.Name, &t.UsageCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		t.CreatedAt = fromEpochMs(createdAt)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tags rows: %w", err)
	}
	return out, nil
}

// RebuildTagCounts recomputes every counter from the observations' own tag
// lists and returns the number of distinct tags in use.
func (s *Store) RebuildTagCounts(ctx context.Context) (int64, error) {
	var inUse int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE tags SET usage_count = 0;`); err != nil {
			return fmt.Errorf("reset tag counters: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tags (name, usage_count, created_at_epoch)
			SELECT je.value, COUNT(1), ?
			FROM observations o, json_each(o.tags) je
			WHERE je.value IS NOT NULL
			GROUP BY je.value
			ON CONFLICT(name) DO UPDATE SET usage_count = excluded.usage_count;
		`, s.nowMs())
		if err != nil {
			return fmt.Errorf("recount tags: %w", err)
		}
		inUse, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return inUse, nil
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = normalizeTag(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}
