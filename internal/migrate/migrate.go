// Package migrate applies the Event Store's schema history to a SQLite
// database: a versioned, embedded set of up/down SQL files tracked in a
// schema_version table, applied one transaction per version. Grounded on
// internal/sessions/migrate.go's embed/apply/rollback shape, adapted from
// CockroachDB's $1 placeholders and schema_migrations table to SQLite's
// `?` placeholders and the schema_version table this system names.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema version.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is one row of the schema_version table.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies or rolls back the embedded migrations against db.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// New builds a Migrator backed by db, loading the embedded migration set.
func New(db *sql.DB) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("migrate: db is required")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

// EnsureSchema creates the schema_version bookkeeping table if absent.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			id         TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_version: %w", err)
	}
	return nil
}

// Up applies pending migrations in id order. If steps <= 0, every pending
// migration is applied.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedIDs(ctx)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, mig := range m.migrations {
		if !applied[mig.ID] {
			pending = append(pending, mig)
		}
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	var appliedIDs []string
	for _, mig := range pending {
		if strings.TrimSpace(mig.UpSQL) == "" {
			return appliedIDs, fmt.Errorf("migrate: missing up migration for %s", mig.ID)
		}
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return appliedIDs, fmt.Errorf("migrate: begin %s: %w", mig.ID, err)
		}
		if err := execStatements(ctx, tx, mig.UpSQL); err != nil {
			_ = tx.Rollback()
			return appliedIDs, fmt.Errorf("migrate: apply %s: %w", mig.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (id, applied_at) VALUES (?, ?)`,
			mig.ID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			_ = tx.Rollback()
			return appliedIDs, fmt.Errorf("migrate: record %s: %w", mig.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return appliedIDs, fmt.Errorf("migrate: commit %s: %w", mig.ID, err)
		}
		appliedIDs = append(appliedIDs, mig.ID)
	}
	return appliedIDs, nil
}

// Down rolls back the most recently applied steps migrations (default 1),
// most recent first.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedList(ctx)
	if err != nil {
		return nil, err
	}
	if len(applied) == 0 {
		return nil, nil
	}
	if steps > len(applied) {
		steps = len(applied)
	}
	toRollback := applied[len(applied)-steps:]

	var rolled []string
	for i := len(toRollback) - 1; i >= 0; i-- {
		entry := toRollback[i]
		mig, ok := m.byID(entry.ID)
		if !ok {
			return rolled, fmt.Errorf("migrate: unknown migration %s", entry.ID)
		}
		if strings.TrimSpace(mig.DownSQL) == "" {
			return rolled, fmt.Errorf("migrate: missing down migration for %s", mig.ID)
		}
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return rolled, fmt.Errorf("migrate: begin rollback %s: %w", mig.ID, err)
		}
		if err := execStatements(ctx, tx, mig.DownSQL); err != nil {
			_ = tx.Rollback()
			return rolled, fmt.Errorf("migrate: rollback %s: %w", mig.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE id = ?`, mig.ID); err != nil {
			_ = tx.Rollback()
			return rolled, fmt.Errorf("migrate: unrecord %s: %w", mig.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return rolled, fmt.Errorf("migrate: commit rollback %s: %w", mig.ID, err)
		}
		rolled = append(rolled, mig.ID)
	}
	return rolled, nil
}

// Status reports applied and pending migrations, both in id order.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	applied, err := m.appliedList(ctx)
	if err != nil {
		return nil, nil, err
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, a := range applied {
		appliedSet[a.ID] = true
	}
	var pending []Migration
	for _, mig := range m.migrations {
		if !appliedSet[mig.ID] {
			pending = append(pending, mig)
		}
	}
	return applied, pending, nil
}

func (m *Migrator) appliedIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_version`)
	if err != nil {
		return nil, fmt.Errorf("migrate: query schema_version: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("migrate: scan schema_version: %w", err)
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) appliedList(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_version ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("migrate: query schema_version: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var entry AppliedMigration
		var appliedAt string
		if err := rows.Scan(&entry.ID, &appliedAt); err != nil {
			return nil, fmt.Errorf("migrate: scan schema_version: %w", err)
		}
		entry.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedAt)
		applied = append(applied, entry)
	}
	return applied, rows.Err()
}

func (m *Migrator) byID(id string) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.ID == id {
			return mig, true
		}
	}
	return Migration{}, false
}

// execStatements runs each semicolon-delimited statement in script against
// tx. SQLite's driver does not accept multiple statements per Exec call,
// unlike CockroachDB's, so a migration file with several DDL statements
// (as the table-rebuild migrations need) is split and run one at a time.
func execStatements(ctx context.Context, tx *sql.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", strings.TrimSpace(stmt), err)
		}
	}
	return nil
}

// splitStatements splits on statement-terminating semicolons, skipping
// "--" comment lines so a comment containing a literal semicolon (there
// are none here, but the rule stays general) can't fragment a statement.
func splitStatements(script string) []string {
	var out []string
	var current strings.Builder
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		out = append(out, current.String())
	}
	return out
}

func loadMigrations() ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("migrate: list migrations: %w", err)
	}

	entries := map[string]*Migration{}
	for _, path := range paths {
		base := strings.TrimPrefix(path, "migrations/")
		var suffix string
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			suffix = ".up.sql"
		case strings.HasSuffix(base, ".down.sql"):
			suffix = ".down.sql"
		default:
			continue
		}
		id := strings.TrimSuffix(base, suffix)
		entry := entries[id]
		if entry == nil {
			entry = &Migration{ID: id}
			entries[id] = entry
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", path, err)
		}
		if suffix == ".up.sql" {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	migrations := make([]Migration, 0, len(ids))
	for _, id := range ids {
		migrations = append(migrations, *entries[id])
	}
	return migrations, nil
}
