package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/syncerr"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on sync_log.timestamp for retention cleanup
const currentSchemaVersion = 1

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Store provides durable storage for records, the outbox and the audit log.
// Uses SQLite with WAL mode for concurrent read access.
//
// A Store is constructed once at startup and passed to every collaborator.
type Store struct {
	db    *sql.DB
	clock ledger.Clock
	ids   ledger.IDGenerator
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp mutations. Default: ledger.SystemClock.
func WithClock(c ledger.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithIDGenerator sets the generator for record, offline and operation IDs.
// Default: ledger.UUIDv7Generator.
func WithIDGenerator(g ledger.IDGenerator) Option {
	return func(s *Store) {
		s.ids = g
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The path ":memory:" opens a private in-memory database; the pool is then
// limited to one connection so every query sees the same database.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL allows readers alongside the single writer
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:    db,
		clock: ledger.SystemClock{},
		ids:   ledger.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// dsn builds the go-sqlite3 connection string. Pragmas are passed as DSN
// parameters so they apply to every pooled connection, not just the first.
func dsn(path string) string {
	params := []string{
		"_busy_timeout=5000",
		"_foreign_keys=on",
		"_txlock=immediate",
	}
	if path == ":memory:" {
		return "file::memory:?" + strings.Join(params, "&")
	}
	params = append(params, "_journal_mode=WAL", "_synchronous=NORMAL")
	return "file:" + path + "?" + strings.Join(params, "&")
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Clock returns the clock used to stamp mutations.
func (s *Store) Clock() ledger.Clock {
	return s.clock
}

// NewID returns a fresh identifier from the store's generator.
func (s *Store) NewID() string {
	return s.ids.NewID()
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the retention index used by AuditLog.Cleanup.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sync_log_timestamp
		ON sync_log(timestamp)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so every read and write
// helper can run standalone or inside Atomically.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a store transaction. Methods mirror the Store methods of the same
// name; all of them commit or roll back together.
type Tx struct {
	q     querier
	clock ledger.Clock
	ids   ledger.IDGenerator
}

// Atomically runs fn in a single write transaction.
// If fn returns an error the transaction is rolled back and the error is
// returned unchanged when it is already classified, or as a storage error.
func (s *Store) Atomically(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Storage("begin", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&Tx{q: tx, clock: s.clock, ids: s.ids}); err != nil {
		if syncerr.KindOf(err) != "" || errors.Is(err, ErrNotFound) {
			return err
		}
		var te *ledger.TransitionError
		if errors.As(err, &te) {
			return err
		}
		return syncerr.Storage("transaction", err)
	}

	if err := tx.Commit(); err != nil {
		return syncerr.Storage("commit", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
