package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// migration is one forward step of the schema. apply must inspect the live
// schema before mutating so that a store repaired by hand, or left half
// upgraded by a crash, converges to the same shape.
type migration struct {
	version int
	name    string
	// recreate steps rebuild a table and run with foreign key enforcement
	// disabled on the migration connection.
	recreate bool
	apply    func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, name: "core_tables", apply: migrateCoreTables},
	{version: 2, name: "session_prompt_counter", apply: migrateSessionPromptCounter},
	{version: 3, name: "user_prompts", apply: migrateUserPrompts},
	{version: 4, name: "observation_provenance", apply: migrateObservationProvenance},
	{version: 5, name: "summary_history", recreate: true, apply: migrateSummaryHistory},
	{version: 6, name: "pending_messages", apply: migratePendingMessages},
	{version: 7, name: "tags", apply: migrateTags},
	{version: 8, name: "observation_nullable_title", recreate: true, apply: migrateObservationShape},
	{version: 9, name: "summary_provenance", apply: migrateSummaryProvenance},
}

// LatestSchemaVersion is the highest version this binary knows how to apply.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// AppliedMigration is one row of the schema_versions ledger.
type AppliedMigration struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Migrator applies the ordered migration list against a database handle.
type Migrator struct {
	db     *sql.DB
	logger *slog.Logger
	steps  []migration
}

func NewMigrator(db *sql.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, logger: logger.With("component", "migrator"), steps: migrations}
}

// ApplyAll applies every migration not yet recorded in the ledger.
// Repeated calls are no-ops.
func (m *Migrator) ApplyAll(ctx context.Context) error {
	return m.ApplyThrough(ctx, LatestSchemaVersion())
}

// ApplyThrough applies unrecorded migrations with version <= target.
func (m *Migrator) ApplyThrough(ctx context.Context, target int) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at_epoch INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}
	for v := range applied {
		if v > LatestSchemaVersion() {
			return fmt.Errorf("db schema version %d is newer than supported %d", v, LatestSchemaVersion())
		}
	}

	for _, step := range m.steps {
		if step.version > target {
			break
		}
		// A recorded version is never re-run, even if the live schema looks
		// like it still needs the change.
		if applied[step.version] {
			continue
		}
		if err := m.applyStep(ctx, conn, step); err != nil {
			return err
		}
		m.logger.Info("schema migration applied", "version", step.version, "name", step.name)
	}
	return nil
}

// Applied lists the ledger rows in version order.
func (m *Migrator) Applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT version, name, applied_at_epoch
		FROM schema_versions
		ORDER BY version ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query schema_versions: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			am    AppliedMigration
			epoch int64
		)
		if err := rows.Scan(&am.Version, &am.Name, &epoch); err != nil {
			return nil, fmt.Errorf("scan schema_versions: %w", err)
		}
		am.AppliedAt = fromEpochMs(epoch)
		out = append(out, am)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema_versions rows: %w", err)
	}
	return out, nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_versions;`)
	if err != nil {
		return nil, fmt.Errorf("read schema_versions: %w", err)
	}
	defer rows.Close()
	out := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema version: %w", err)
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (m *Migrator) applyStep(ctx context.Context, conn *sql.Conn, step migration) error {
	if step.recreate {
		// foreign_keys cannot change inside a transaction.
		if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys=OFF;`); err != nil {
			return fmt.Errorf("migration %d: disable foreign keys: %w", step.version, err)
		}
		defer func() {
			if _, err := conn.ExecContext(context.Background(), `PRAGMA foreign_keys=ON;`); err != nil {
				m.logger.Error("re-enable foreign keys failed", "version", step.version, "error", err)
			}
		}()
	}

	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: begin tx: %w", step.version, err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := step.apply(ctx, tx); err != nil {
			return fmt.Errorf("migration %d (%s): %w", step.version, step.name, err)
		}
		if step.recreate {
			dangling, err := countForeignKeyViolations(ctx, tx)
			if err != nil {
				return fmt.Errorf("migration %d: foreign key check: %w", step.version, err)
			}
			if dangling > 0 {
				m.logger.Warn("carrying forward rows with dangling references",
					"version", step.version, "rows", dangling)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_versions (version, name, applied_at_epoch)
			VALUES (?, ?, ?);
		`, step.version, step.name, toEpochMs(time.Now())); err != nil {
			return fmt.Errorf("migration %d: record version: %w", step.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", step.version, err)
		}
		return nil
	})
}

func migrateCoreTables(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS sdk_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content_session_id TEXT NOT NULL UNIQUE,
			memory_session_id TEXT UNIQUE,
			project TEXT NOT NULL DEFAULT '',
			user_prompt TEXT,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'completed', 'failed')),
			started_at_epoch INTEGER NOT NULL,
			completed_at_epoch INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_session_id TEXT NOT NULL REFERENCES sdk_sessions(memory_session_id) ON DELETE CASCADE,
			project TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			subtitle TEXT,
			narrative TEXT,
			facts TEXT NOT NULL DEFAULT '[]',
			concepts TEXT NOT NULL DEFAULT '[]',
			created_at_epoch INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_session_id TEXT NOT NULL UNIQUE REFERENCES sdk_sessions(memory_session_id) ON DELETE CASCADE,
			project TEXT NOT NULL DEFAULT '',
			request TEXT,
			investigated TEXT,
			learned TEXT,
			completed TEXT,
			next_steps TEXT,
			notes TEXT,
			created_at_epoch INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sdk_sessions_status ON sdk_sessions(status, started_at_epoch);`,
		`CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(memory_session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_observations_project ON observations(project, created_at_epoch DESC);`,
	)
}

func migrateSessionPromptCounter(ctx context.Context, tx *sql.Tx) error {
	return addColumnIfMissing(ctx, tx, "sdk_sessions", "prompt_counter", "INTEGER NOT NULL DEFAULT 0")
}

func migrateUserPrompts(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS user_prompts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content_session_id TEXT NOT NULL REFERENCES sdk_sessions(content_session_id) ON DELETE CASCADE,
			prompt_number INTEGER NOT NULL,
			prompt_text TEXT NOT NULL,
			created_at_epoch INTEGER NOT NULL,
			UNIQUE(content_session_id, prompt_number)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_prompts_created ON user_prompts(created_at_epoch DESC);`,
	)
}

func migrateObservationProvenance(ctx context.Context, tx *sql.Tx) error {
	cols := []struct{ name, decl string }{
		{"prompt_number", "INTEGER"},
		{"discovery_tokens", "INTEGER NOT NULL DEFAULT 0"},
		{"files_read", "TEXT NOT NULL DEFAULT '[]'"},
		{"files_modified", "TEXT NOT NULL DEFAULT '[]'"},
	}
	for _, c := range cols {
		if err := addColumnIfMissing(ctx, tx, "observations", c.name, c.decl); err != nil {
			return err
		}
	}
	return nil
}

// migrateSummaryHistory drops the one-summary-per-session constraint so
// historical summaries accumulate. SQLite cannot drop a UNIQUE constraint,
// so the table is rebuilt.
func migrateSummaryHistory(ctx context.Context, tx *sql.Tx) error {
	unique, err := hasUniqueConstraint(ctx, tx, "session_summaries")
	if err != nil {
		return err
	}
	if unique {
		if err := recreateTable(ctx, tx, "session_summaries", `
		CREATE TABLE session_summaries_new (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_session_id TEXT NOT NULL REFERENCES sdk_sessions(memory_session_id) ON DELETE CASCADE,
			project TEXT NOT NULL DEFAULT '',
			request TEXT,
			investigated TEXT,
			learned TEXT,
			completed TEXT,
			next_steps TEXT,
			notes TEXT,
			created_at_epoch INTEGER NOT NULL
		);`); err != nil {
			return err
		}
	}
	// Indexes are ensured whether or not the table needed rebuilding, so a
	// hand-repaired store ends up with the same shape as a fresh one.
	return execAll(ctx, tx,
		`CREATE INDEX IF NOT EXISTS idx_session_summaries_session ON session_summaries(memory_session_id, id DESC);`,
	)
}

func migratePendingMessages(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS pending_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_db_id INTEGER NOT NULL REFERENCES sdk_sessions(id) ON DELETE CASCADE,
			content_session_id TEXT NOT NULL,
			message_type TEXT NOT NULL CHECK(message_type IN ('observation', 'summarize')),
			payload TEXT NOT NULL DEFAULT '{}',
			prompt_number INTEGER,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'processing', 'processed', 'failed')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at_epoch INTEGER NOT NULL,
			started_processing_at_epoch INTEGER,
			completed_at_epoch INTEGER,
			failed_at_epoch INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pending_messages_session_status ON pending_messages(session_db_id, status, id);`,
		`CREATE INDEX IF NOT EXISTS idx_pending_messages_status ON pending_messages(status, started_processing_at_epoch);`,
	)
}

func migrateTags(ctx context.Context, tx *sql.Tx) error {
	if err := execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			usage_count INTEGER NOT NULL DEFAULT 0 CHECK(usage_count >= 0),
			created_at_epoch INTEGER NOT NULL
		);`,
	); err != nil {
		return err
	}
	return addColumnIfMissing(ctx, tx, "observations", "tags", "TEXT NOT NULL DEFAULT '[]'")
}

// migrateObservationShape relaxes observations.title to nullable and makes
// the session reference follow memory_session_id updates.
func migrateObservationShape(ctx context.Context, tx *sql.Tx) error {
	titleNotNull, err := columnNotNull(ctx, tx, "observations", "title")
	if err != nil {
		return err
	}
	cascades, err := foreignKeyCascadesUpdate(ctx, tx, "observations", "sdk_sessions")
	if err != nil {
		return err
	}
	if titleNotNull || !cascades {
		if err := rebuildObservations(ctx, tx); err != nil {
			return err
		}
	}
	return execAll(ctx, tx,
		`CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(memory_session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_observations_project ON observations(project, created_at_epoch DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(type);`,
	)
}

func rebuildObservations(ctx context.Context, tx *sql.Tx) error {
	if err := recreateTable(ctx, tx, "observations", `
		CREATE TABLE observations_new (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_session_id TEXT NOT NULL REFERENCES sdk_sessions(memory_session_id) ON UPDATE CASCADE ON DELETE CASCADE,
			project TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			title TEXT,
			subtitle TEXT,
			narrative TEXT,
			facts TEXT NOT NULL DEFAULT '[]',
			concepts TEXT NOT NULL DEFAULT '[]',
			files_read TEXT NOT NULL DEFAULT '[]',
			files_modified TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			prompt_number INTEGER,
			discovery_tokens INTEGER NOT NULL DEFAULT 0,
			created_at_epoch INTEGER NOT NULL
		);`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE observations SET title = NULL WHERE title = '';`); err != nil {
		return fmt.Errorf("null empty titles: %w", err)
	}
	return nil
}

func migrateSummaryProvenance(ctx context.Context, tx *sql.Tx) error {
	if err := addColumnIfMissing(ctx, tx, "session_summaries", "prompt_number", "INTEGER"); err != nil {
		return err
	}
	if err := addColumnIfMissing(ctx, tx, "session_summaries", "discovery_tokens", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return execAll(ctx, tx,
		`CREATE INDEX IF NOT EXISTS idx_session_summaries_project ON session_summaries(project, created_at_epoch DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_observations_created ON observations(created_at_epoch);`,
	)
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}

// recreateTable rebuilds table from createShadow, which must create
// "<table>_new". Rows are copied over the columns both shapes share, the old
// table is dropped and the shadow renamed. Dropping the old table drops its
// indexes; callers recreate them. Rows whose references dangle are copied
// like any other row.
func recreateTable(ctx context.Context, tx *sql.Tx, table, createShadow string) error {
	shadow := table + "_new"
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, shadow)); err != nil {
		return fmt.Errorf("drop stale %s: %w", shadow, err)
	}
	if _, err := tx.ExecContext(ctx, createShadow); err != nil {
		return fmt.Errorf("create %s: %w", shadow, err)
	}
	oldCols, err := tableColumns(ctx, tx, table)
	if err != nil {
		return err
	}
	newCols, err := tableColumns(ctx, tx, shadow)
	if err != nil {
		return err
	}
	var common []string
	for _, c := range newCols {
		if slices.Contains(oldCols, c) {
			common = append(common, c)
		}
	}
	colList := strings.Join(common, ", ")
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s;`, shadow, colList, colList, table)); err != nil {
		return fmt.Errorf("copy %s rows: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %s;`, table)); err != nil {
		return fmt.Errorf("drop old %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s;`, shadow, table)); err != nil {
		return fmt.Errorf("rename %s to %s: %w", shadow, table, err)
	}
	return nil
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	cols, err := tableColumns(ctx, tx, table)
	if err != nil {
		return err
	}
	if slices.Contains(cols, column) {
		return nil
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

func columnNotNull(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	var notNull int
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT "notnull" FROM pragma_table_info('%s') WHERE name = ?;`, table), column).Scan(&notNull)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect %s.%s: %w", table, column, err)
	}
	return notNull == 1, nil
}

func hasUniqueConstraint(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(1) FROM pragma_index_list('%s') WHERE "unique" = 1 AND origin = 'u';`, table)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect %s indexes: %w", table, err)
	}
	return n > 0, nil
}

func foreignKeyCascadesUpdate(ctx context.Context, tx *sql.Tx, table, parent string) (bool, error) {
	var onUpdate sql.NullString
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT on_update FROM pragma_foreign_key_list('%s') WHERE "table" = ?;`, table), parent).Scan(&onUpdate)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect %s foreign keys: %w", table, err)
	}
	return strings.EqualFold(onUpdate.String, "CASCADE"), nil
}

func countForeignKeyViolations(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx, `PRAGMA foreign_key_check;`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}
