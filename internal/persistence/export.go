package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// ExportFormatVersion is bumped when SessionExport changes shape.
const ExportFormatVersion = 1

// SessionExport is a self-contained, verifiable copy of one session.
type SessionExport struct {
	FormatVersion int           `json:"format_version"`
	Session       Session       `json:"session"`
	Prompts       []Prompt      `json:"prompts"`
	Observations  []Observation `json:"observations"`
	Summaries     []Summary     `json:"summaries"`
	// Digest is the hex sha256 of the RFC 8785 canonical form of every other
	// field.
	Digest string `json:"digest"`
}

// ImportResult counts the rows an import inserted.
type ImportResult struct {
	SessionID    int64 `json:"session_id"`
	Prompts      int   `json:"prompts"`
	Observations int   `json:"observations"`
	Summaries    int   `json:"summaries"`
}

// ComputeDigest returns the canonical digest of e, ignoring e.Digest.
func (e *SessionExport) ComputeDigest() (string, error) {
	body := *e
	body.Digest = ""
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize export: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks e.Digest against the content.
func (e *SessionExport) Verify() error {
	want, err := e.ComputeDigest()
	if err != nil {
		return err
	}
	if e.Digest != want {
		return ErrDigestMismatch
	}
	return nil
}

// ExportSession collects a session with its prompts, observations and
// summary history, oldest first, and seals it with a digest.
func (s *Store) ExportSession(ctx context.Context, externalID string) (*SessionExport, error) {
	sess, err := s.GetSessionByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	out := &SessionExport{FormatVersion: ExportFormatVersion, Session: *sess}
	if out.Prompts, err = s.ListPrompts(ctx, PromptFilter{ContentSessionID: externalID}); err != nil {
		return nil, err
	}
	if sess.MemorySessionID != nil {
		if out.Observations, err = s.ListObservations(ctx, ObservationFilter{
			MemorySessionID: *sess.MemorySessionID,
			Ascending:       true,
		}); err != nil {
			return nil, err
		}
		sums, err := s.ListSummaries(ctx, SummaryFilter{MemorySessionID: *sess.MemorySessionID})
		if err != nil {
			return nil, err
		}
		for i := len(sums) - 1; i >= 0; i-- {
			out.Summaries = append(out.Summaries, sums[i])
		}
	}
	if out.Digest, err = out.ComputeDigest(); err != nil {
		return nil, err
	}
	return out, nil
}

// ImportSession verifies and loads an export. Observations and summaries are
// inserted only when the target session has none of that kind, so a repeated
// import changes nothing.
func (s *Store) ImportSession(ctx context.Context, e *SessionExport) (ImportResult, error) {
	if e == nil {
		return ImportResult{}, fmt.Errorf("import session: nil export")
	}
	if e.FormatVersion != ExportFormatVersion {
		return ImportResult{}, fmt.Errorf("import session: unsupported format version %d", e.FormatVersion)
	}
	if err := e.Verify(); err != nil {
		return ImportResult{}, fmt.Errorf("import session %q: %w", e.Session.ContentSessionID, err)
	}
	// Imported rows obey the same vocabulary as extracted ones.
	for i, o := range e.Observations {
		if !s.mode.ValidType(o.Type) {
			return ImportResult{}, fmt.Errorf("import session %q: observation %d type %q: %w",
				e.Session.ContentSessionID, i, o.Type, ErrInvalidObservationType)
		}
	}

	var res ImportResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res = ImportResult{}
		sess := e.Session
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sdk_sessions (
				content_session_id, project, user_prompt, prompt_counter, status,
				started_at_epoch, completed_at_epoch
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(content_session_id) DO NOTHING;
		`, sess.ContentSessionID, sess.Project, sess.UserPrompt, sess.PromptCounter, string(sess.Status),
			toEpochMs(sess.StartedAt), epochOrNil(sess.CompletedAt)); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT id FROM sdk_sessions WHERE content_session_id = ?;`,
			sess.ContentSessionID).Scan(&res.SessionID); err != nil {
			return fmt.Errorf("select session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sdk_sessions SET prompt_counter = MAX(prompt_counter, ?) WHERE id = ?;
		`, sess.PromptCounter, res.SessionID); err != nil {
			return fmt.Errorf("merge prompt counter: %w", err)
		}

		for _, p := range e.Prompts {
			r, err := tx.ExecContext(ctx, `
				INSERT INTO user_prompts (content_session_id, prompt_number, prompt_text, created_at_epoch)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(content_session_id, prompt_number) DO NOTHING;
			`, sess.ContentSessionID, p.PromptNumber, p.Text, toEpochMs(p.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert prompt %d: %w", p.PromptNumber, err)
			}
			if n, _ := r.RowsAffected(); n == 1 {
				res.Prompts++
			}
		}

		if sess.MemorySessionID == nil {
			return nil
		}
		memoryID := *sess.MemorySessionID
		if _, err := tx.ExecContext(ctx, `
			UPDATE sdk_sessions SET memory_session_id = ? WHERE id = ? AND memory_session_id IS NULL;
		`, memoryID, res.SessionID); err != nil {
			return fmt.Errorf("set memory session id: %w", err)
		}
		var current sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT memory_session_id FROM sdk_sessions WHERE id = ?;`,
			res.SessionID).Scan(&current); err != nil {
			return err
		}
		if current.String != memoryID {
			return fmt.Errorf("session %q already bound to memory session %q", sess.ContentSessionID, current.String)
		}

		var existing int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM observations WHERE memory_session_id = ?;`,
			memoryID).Scan(&existing); err != nil {
			return err
		}
		if existing == 0 {
			for _, o := range e.Observations {
				if err := s.importObservationTx(ctx, tx, memoryID, o); err != nil {
					return err
				}
				res.Observations++
			}
		}

		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM session_summaries WHERE memory_session_id = ?;`,
			memoryID).Scan(&existing); err != nil {
			return err
		}
		if existing == 0 {
			for _, sm := range e.Summaries {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO session_summaries (
						memory_session_id, project, request, investigated, learned, completed,
						next_steps, notes, prompt_number, discovery_tokens, created_at_epoch
					) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
				`, memoryID, sm.Project, sm.Request, sm.Investigated, sm.Learned, sm.Completed,
					sm.NextSteps, sm.Notes, sm.PromptNumber, sm.DiscoveryTokens, toEpochMs(sm.CreatedAt)); err != nil {
					return fmt.Errorf("insert summary: %w", err)
				}
				res.Summaries++
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("import session %q: %w", e.Session.ContentSessionID, err)
	}
	return res, nil
}

func (s *Store) importObservationTx(ctx context.Context, tx *sql.Tx, memoryID string, o Observation) error {
	tags := normalizeTags(o.Tags)
	cols, err := encodeLists(o.Facts, s.mode.FilterConcepts(o.Concepts), o.FilesRead, o.FilesModified, tags)
	if err != nil {
		return err
	}
	createdAt := toEpochMs(o.CreatedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO observations (
			memory_session_id, project, type, title, subtitle, narrative,
			facts, concepts, files_read, files_modified, tags,
			prompt_number, discovery_tokens, created_at_epoch
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, memoryID, o.Project, strings.ToLower(strings.TrimSpace(o.Type)), o.Title, o.Subtitle, o.Narrative,
		cols[0], cols[1], cols[2], cols[3], cols[4],
		o.PromptNumber, o.DiscoveryTokens, createdAt); err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	for _, tag := range tags {
		if err := bumpTagTx(ctx, tx, tag, 1, createdAt); err != nil {
			return err
		}
	}
	return nil
}

func epochOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toEpochMs(*t)
}
