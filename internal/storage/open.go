package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "otto/pkg/logx"
)

func init() {
	// modernc registers as "sqlite"; sqlx does not know its bind style.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// Store is the SQLite-backed job, run and outbound repository.
type Store struct {
	db  *sqlx.DB
	log logx.Logger

	now   func() time.Time
	newID func() string
}

// Open opens (creating if needed) the database at cfg.Path and applies
// Migrations before returning. The handle is unusable if migration fails.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("%w: store path is required", ErrInvalid)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sqlx.Open("sqlite", dsn(path, busy))
	if err != nil {
		return nil, wrap("open store", err)
	}
	// One connection per process: SQLite serializes writers anyway, and a
	// single conn keeps pragmas and transactions on the same handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrap("open store", err)
	}

	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		db:    db,
		log:   log,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}

	applied, err := Migrate(ctx, db, Migrations)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(applied) > 0 {
		log.Info("store migrated", logx.String("path", path), logx.Any("applied", applied))
	}
	return s, nil
}

// dsn builds a modernc DSN. Pragmas are attached per connection and
// _txlock=immediate makes BEGIN take the write lock up front, so two
// processes never both read then fail to upgrade.
func dsn(path string, busy time.Duration) string {
	params := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()),
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(ON)",
		"_txlock=immediate",
	}
	return path + "?" + strings.Join(params, "&")
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for inspection in tests and health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Ping reports whether the store can serve queries.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrUnavailable
	}
	return wrap("ping", s.db.PingContext(ctx))
}

// SetClock replaces the wall clock used for eligibility and timestamps.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, context.Canceled) {
			s.log.Warn("rollback failed", logx.String("op", op), logx.Err(rbErr))
		}
		return wrap(op, err)
	}
	return wrap(op, tx.Commit())
}
