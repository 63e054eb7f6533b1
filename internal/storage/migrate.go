package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Migration is one atomic schema-change unit.
type Migration struct {
	ID         string
	Statements []string
}

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	id TEXT PRIMARY KEY,
	applied_at INTEGER NOT NULL
)`

// Migrate applies, in order, every migration whose id is missing from the
// schema_migrations ledger. Each unit's statements and its ledger row commit
// in one transaction, so a failed unit leaves nothing behind and is retried
// on the next call. It returns the ids applied by this call.
func Migrate(ctx context.Context, db *sqlx.DB, migrations []Migration) ([]string, error) {
	seen := make(map[string]struct{}, len(migrations))
	for i, m := range migrations {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: migration #%d has empty id", ErrInvalid, i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate migration id %q", ErrInvalid, id)
		}
		seen[id] = struct{}{}
	}

	if _, err := db.ExecContext(ctx, ledgerDDL); err != nil {
		return nil, wrap("create schema_migrations", err)
	}

	var applied []string
	for _, m := range migrations {
		ok, err := applyOne(ctx, db, m)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, m.ID)
		}
	}
	return applied, nil
}

func applyOne(ctx context.Context, db *sqlx.DB, m Migration) (bool, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, wrap("migrate "+m.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	// Checked inside the write transaction so two processes opening the same
	// file cannot both apply the unit.
	var n int
	if err := tx.GetContext(ctx, &n, `SELECT COUNT(1) FROM schema_migrations WHERE id = ?`, m.ID); err != nil {
		return false, wrap("migrate "+m.ID, err)
	}
	if n > 0 {
		return false, nil
	}

	for i, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return false, wrap(fmt.Sprintf("migrate %s statement %d", m.ID, i+1), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations(id, applied_at) VALUES(?, ?)`,
		m.ID, time.Now().UnixMilli(),
	); err != nil {
		return false, wrap("migrate "+m.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrap("migrate "+m.ID, err)
	}
	return true, nil
}

// AppliedMigrations lists ledger ids in application order.
func AppliedMigrations(ctx context.Context, db *sqlx.DB) ([]string, error) {
	var ids []string
	err := db.SelectContext(ctx, &ids, `SELECT id FROM schema_migrations ORDER BY applied_at, rowid`)
	return ids, wrap("list migrations", err)
}
