package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/memq/internal/mode"
)

const (
	// DefaultMaxRetries is the shared retry cap for both queue message kinds.
	DefaultMaxRetries = 3

	busyRetries  = 5
	maxOpenConns = 8
)

// Options configures a Store. The zero value is usable.
type Options struct {
	Mode       mode.Mode
	MaxRetries int
	Logger     *slog.Logger
	// Now overrides the clock used for epoch columns.
	Now func() time.Time
}

// Store is the single point of truth for sessions, observations, summaries,
// prompts, tags and the durable queue.
type Store struct {
	db         *sql.DB
	mode       mode.Mode
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".memq", "memq.db")
}

// Open opens (creating if needed) the database at path and applies every
// pending migration. A migration failure is returned and the handle closed.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Every pooled connection gets the same pragmas through the DSN, and
	// write transactions take the write lock at BEGIN.
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=FULL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	store := newStore(db, opts)
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	// The migrator tags its own component; store.logger already carries one.
	if err := NewMigrator(db, opts.Logger).ApplyAll(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return store, nil
}

func newStore(db *sql.DB, opts Options) *Store {
	m := opts.Mode.Normalize()
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:         db,
		mode:       m,
		maxRetries: maxRetries,
		logger:     logger.With("component", "store"),
		now:        now,
	}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Mode returns the vocabulary the store validates observations against.
func (s *Store) Mode() mode.Mode {
	return s.mode
}

// MaxRetries returns the configured queue retry cap.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowMs() int64 {
	return toEpochMs(s.now())
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withTx runs fn inside a write transaction, retrying the whole transaction
// on transient lock contention. fn must not have side effects outside tx.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (s *Store) configurePragmas(ctx context.Context) error {
	var journal string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journal); err != nil {
		return fmt.Errorf("set pragma journal_mode: %w", err)
	}
	if !strings.EqualFold(journal, "wal") {
		return fmt.Errorf("journal_mode is %q, want wal", journal)
	}
	return nil
}
