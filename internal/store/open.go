package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	"github.com/rs/zerolog/log"
)

// Store wraps the embedded sqlite connection pool plus an in-process RWMutex
// discipline note: spec §4.1 says "a process-wide exclusive lock is not
// required — readers and writers are serialized at the store engine layer",
// which for sqlite in WAL mode means database/sql's own pool serializes
// writers for us; we just cap MaxOpenConns.
type Store struct {
	db *sql.DB

	contactFallback func(address string) (int64, bool)
}

// SetContactFallback wires N's in-memory address index as a second-pass
// resolver for read paths (e.g. ParticipantsByChat) that encounter a Handle
// with no contact_id: rather than leaving it unresolved until the next
// link_contacts_to_handles pass, the read path consults the index directly
// (spec §4.1, §4.9). Passing nil disables the fallback.
func (s *Store) SetContactFallback(fn func(address string) (int64, bool)) {
	s.contactFallback = fn
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	maxOpenConns int
}

// WithMaxOpenConns overrides the default connection pool size (spec §4.1
// default 4).
func WithMaxOpenConns(n int) Option {
	return func(o *openOptions) { o.maxOpenConns = n }
}

// Open creates (or opens) the sqlite database at path, enables WAL mode and
// foreign keys, runs pending migrations, and verifies integrity. A failed
// integrity check is fatal per spec §4.1 — Open returns an error and the
// caller is expected to treat it as a startup failure, not retry.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	o := openOptions{maxOpenConns: 4}
	for _, fn := range opts {
		fn(&o)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(o.maxOpenConns)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	if err := s.integrityCheck(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("path", path).
		Int("max_open_conns", o.maxOpenConns).
		Msg("local store opened")

	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for packages (sync, sendpipeline) that
// need multi-statement transactions spanning more than one table.
func (s *Store) DB() *sql.DB { return s.db }

// integrityCheck runs PRAGMA integrity_check and treats anything other
// than the single row "ok" as fatal, per spec §4.1.
func (s *Store) integrityCheck(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, "PRAGMA integrity_check")
	var result string
	if err := row.Scan(&result); err != nil {
		return fmt.Errorf("store: integrity_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("store: integrity_check failed: %s", result)
	}
	return nil
}

// IntegrityCheck runs the same PRAGMA integrity_check Open performs at
// startup, exported for callers (diagnostics' self-test) that want to
// re-verify L without reopening the database.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	return s.integrityCheck(ctx)
}
