package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/memq/internal/persistence"
)

func schemaDump(t *testing.T, db *sql.DB) []string {
	t.Helper()
	rows, err := db.Query(`
		SELECT type || ':' || name || ':' || COALESCE(sql, '')
		FROM sqlite_master
		WHERE name NOT LIKE 'sqlite_%'
		ORDER BY type, name;
	`)
	if err != nil {
		t.Fatalf("dump schema: %v", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			t.Fatalf("scan schema: %v", err)
		}
		out = append(out, s)
	}
	return out
}

func openRawDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=off&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	return db
}

func TestMigrations_IntermediateStoreConvergesToFreshSchema(t *testing.T) {
	fresh, _ := openTestStore(t)
	want := schemaDump(t, fresh.DB())

	for v := 1; v < persistence.LatestSchemaVersion(); v++ {
		path := filepath.Join(t.TempDir(), "partial.db")
		raw := openRawDB(t, path)
		if err := persistence.NewMigrator(raw, nil).ApplyThrough(context.Background(), v); err != nil {
			t.Fatalf("apply through %d: %v", v, err)
		}
		_ = raw.Close()

		store, err := persistence.Open(path, persistence.Options{})
		if err != nil {
			t.Fatalf("open from version %d: %v", v, err)
		}
		got := schemaDump(t, store.DB())
		_ = store.Close()
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("schema from version %d diverges:\n got %v\nwant %v", v, got, want)
		}
	}
}

func TestMigrations_RecreatePreservesRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.db")
	raw := openRawDB(t, path)
	if err := persistence.NewMigrator(raw, nil).ApplyThrough(context.Background(), 4); err != nil {
		t.Fatalf("apply through 4: %v", err)
	}
	stmts := []string{
		`INSERT INTO sdk_sessions (content_session_id, memory_session_id, project, started_at_epoch) VALUES ('ext', 'mem', 'p', 1);`,
		`INSERT INTO observations (memory_session_id, project, type, title, created_at_epoch) VALUES ('mem', 'p', 'discovery', '', 2);`,
		`INSERT INTO observations (memory_session_id, project, type, title, created_at_epoch) VALUES ('mem', 'p', 'bugfix', 'kept', 3);`,
		// Dangling reference; carried forward by the rebuild.
		`INSERT INTO observations (memory_session_id, project, type, title, created_at_epoch) VALUES ('ghost', 'p', 'change', 'orphan', 4);`,
		`INSERT INTO session_summaries (memory_session_id, project, request, created_at_epoch) VALUES ('mem', 'p', 'req', 5);`,
	}
	for _, stmt := range stmts {
		if _, err := raw.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	_ = raw.Close()

	store, err := persistence.Open(path, persistence.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	db := store.DB()

	if n := queryOneInt(t, db, `SELECT COUNT(1) FROM observations;`); n != 3 {
		t.Fatalf("expected 3 observations after rebuild, got %d", n)
	}
	if n := queryOneInt(t, db, `SELECT COUNT(1) FROM observations WHERE title IS NULL;`); n != 1 {
		t.Fatalf("expected empty title to become NULL, got %d null titles", n)
	}
	if n := queryOneInt(t, db, `SELECT COUNT(1) FROM observations WHERE memory_session_id = 'ghost';`); n != 1 {
		t.Fatalf("dangling observation was dropped")
	}
	if fk := queryOneInt(t, db, "PRAGMA foreign_keys;"); fk != 1 {
		t.Fatalf("foreign keys not re-enabled")
	}

	// History rows now allowed.
	if _, err := db.Exec(`INSERT INTO session_summaries (memory_session_id, project, request, created_at_epoch) VALUES ('mem', 'p', 'req2', 6);`); err != nil {
		t.Fatalf("second summary rejected: %v", err)
	}
	// Observations follow a memory session id update.
	for _, stmt := range []string{
		`INSERT INTO sdk_sessions (content_session_id, memory_session_id, project, started_at_epoch) VALUES ('ext-b', 'mem-b', 'p', 7);`,
		`INSERT INTO observations (memory_session_id, project, type, title, created_at_epoch) VALUES ('mem-b', 'p', 'change', 'moved', 8);`,
		`UPDATE sdk_sessions SET memory_session_id = 'mem-c' WHERE content_session_id = 'ext-b';`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	if got := queryOneString(t, db, `SELECT memory_session_id FROM observations WHERE title = 'moved';`); got != "mem-c" {
		t.Fatalf("expected cascaded memory session id, got %q", got)
	}
}

func TestMigrations_DeletedLedgerReappliesWithoutLoss(t *testing.T) {
	store, path := openTestStore(t)
	_, memoryID := seedSession(t, store, "ext-ledger")
	if _, err := store.StoreObservationsAndSummary(context.Background(), persistence.StoreRequest{
		MemorySessionID: memoryID,
		Project:         "proj",
		Observations:    []persistence.ObservationInput{{Type: "discovery", Title: "t"}},
		Summary:         &persistence.SummaryInput{Request: "r"},
	}); err != nil {
		t.Fatalf("store: %v", err)
	}
	want := schemaDump(t, store.DB())
	if _, err := store.DB().Exec(`DELETE FROM schema_versions;`); err != nil {
		t.Fatalf("delete ledger: %v", err)
	}
	_ = store.Close()

	again, err := persistence.Open(path, persistence.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if got := schemaDump(t, again.DB()); !reflect.DeepEqual(got, want) {
		t.Fatalf("schema changed after ledger loss:\n got %v\nwant %v", got, want)
	}
	if n := queryOneInt(t, again.DB(), `SELECT COUNT(1) FROM observations;`); n != 1 {
		t.Fatalf("expected 1 observation, got %d", n)
	}
	if n := queryOneInt(t, again.DB(), `SELECT COUNT(1) FROM session_summaries;`); n != 1 {
		t.Fatalf("expected 1 summary, got %d", n)
	}
}

func TestMigrations_RecordedVersionIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skip.db")
	raw := openRawDB(t, path)
	defer raw.Close()
	m := persistence.NewMigrator(raw, nil)
	if err := m.ApplyThrough(context.Background(), 1); err != nil {
		t.Fatalf("apply through 1: %v", err)
	}
	if _, err := raw.Exec(`INSERT INTO schema_versions (version, name, applied_at_epoch) VALUES (2, 'manual', 0);`); err != nil {
		t.Fatalf("record version 2: %v", err)
	}
	if err := m.ApplyThrough(context.Background(), 2); err != nil {
		t.Fatalf("apply through 2: %v", err)
	}
	n := queryOneInt(t, raw, `SELECT COUNT(1) FROM pragma_table_info('sdk_sessions') WHERE name = 'prompt_counter';`)
	if n != 0 {
		t.Fatalf("recorded version 2 was re-run")
	}
}

func TestMigrations_RejectsNewerLedger(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_versions (version, name, applied_at_epoch) VALUES (999, 'future', 0);`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(path, persistence.Options{})
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-than-supported error, got %v", err)
	}
}

func TestMigrations_AppliedListsLedger(t *testing.T) {
	store, _ := openTestStore(t)
	applied, err := persistence.NewMigrator(store.DB(), nil).Applied(context.Background())
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(applied) != persistence.LatestSchemaVersion() {
		t.Fatalf("expected %d rows, got %d", persistence.LatestSchemaVersion(), len(applied))
	}
	for i, am := range applied {
		if am.Version != i+1 || am.Name == "" {
			t.Fatalf("unexpected ledger row %d: %+v", i, am)
		}
	}
}

// schemaShape describes the schema structurally (objects, columns, index
// columns and foreign keys) so stores built by different DDL text compare.
func schemaShape(t *testing.T, db *sql.DB) []string {
	t.Helper()
	type object struct{ kind, name, table string }
	rows, err := db.Query(`
		SELECT type, name, tbl_name FROM sqlite_master
		WHERE name NOT LIKE 'sqlite_%' AND type IN ('table', 'index')
		ORDER BY type, name;
	`)
	if err != nil {
		t.Fatalf("list schema objects: %v", err)
	}
	var objects []object
	for rows.Next() {
		var o object
		if err := rows.Scan(&o.kind, &o.name, &o.table); err != nil {
			t.Fatalf("scan schema object: %v", err)
		}
		objects = append(objects, o)
	}
	_ = rows.Close()

	var out []string
	for _, o := range objects {
		out = append(out, o.kind+" "+o.name+" on "+o.table)
		switch o.kind {
		case "table":
			out = append(out, pragmaRows(t, db, "PRAGMA table_info("+o.name+");", 6)...)
			out = append(out, pragmaRows(t, db, "PRAGMA foreign_key_list("+o.name+");", 8)...)
		case "index":
			out = append(out, pragmaRows(t, db, "PRAGMA index_info("+o.name+");", 3)...)
		}
	}
	return out
}

func pragmaRows(t *testing.T, db *sql.DB, q string, width int) []string {
	t.Helper()
	rows, err := db.Query(q)
	if err != nil {
		t.Fatalf("%s: %v", q, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		vals := make([]sql.NullString, width)
		ptrs := make([]any, width)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.Fatalf("scan %s: %v", q, err)
		}
		parts := make([]string, width)
		for i, v := range vals {
			parts[i] = v.String
		}
		out = append(out, "  "+strings.Join(parts, "|"))
	}
	return out
}

func TestMigrations_HandRepairedStoreConvergesToFreshShape(t *testing.T) {
	fresh, _ := openTestStore(t)
	want := schemaShape(t, fresh.DB())

	cases := []struct {
		name    string
		through int
		repair  []string
	}{
		{
			name:    "summaries already without unique",
			through: 4,
			repair: []string{
				`DROP TABLE session_summaries;`,
				`CREATE TABLE session_summaries (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					memory_session_id TEXT NOT NULL REFERENCES sdk_sessions(memory_session_id) ON DELETE CASCADE,
					project TEXT NOT NULL DEFAULT '',
					request TEXT, investigated TEXT, learned TEXT, completed TEXT, next_steps TEXT, notes TEXT,
					created_at_epoch INTEGER NOT NULL
				);`,
			},
		},
		{
			name:    "observations already relaxed and cascading",
			through: 7,
			repair: []string{
				`DROP TABLE observations;`,
				`CREATE TABLE observations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					memory_session_id TEXT NOT NULL REFERENCES sdk_sessions(memory_session_id) ON UPDATE CASCADE ON DELETE CASCADE,
					project TEXT NOT NULL DEFAULT '',
					type TEXT NOT NULL,
					title TEXT, subtitle TEXT, narrative TEXT,
					facts TEXT NOT NULL DEFAULT '[]',
					concepts TEXT NOT NULL DEFAULT '[]',
					files_read TEXT NOT NULL DEFAULT '[]',
					files_modified TEXT NOT NULL DEFAULT '[]',
					tags TEXT NOT NULL DEFAULT '[]',
					prompt_number INTEGER,
					discovery_tokens INTEGER NOT NULL DEFAULT 0,
					created_at_epoch INTEGER NOT NULL
				);`,
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "repaired.db")
			raw := openRawDB(t, path)
			if err := persistence.NewMigrator(raw, nil).ApplyThrough(context.Background(), tc.through); err != nil {
				t.Fatalf("apply through %d: %v", tc.through, err)
			}
			for _, stmt := range tc.repair {
				if _, err := raw.Exec(stmt); err != nil {
					t.Fatalf("repair %q: %v", stmt, err)
				}
			}
			_ = raw.Close()

			store, err := persistence.Open(path, persistence.Options{})
			if err != nil {
				t.Fatalf("open repaired store: %v", err)
			}
			defer store.Close()
			got := schemaShape(t, store.DB())
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("repaired schema diverges:\n got %v\nwant %v", got, want)
			}
		})
	}
}
