package sessions

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

// Migration is one embedded schema change.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies the embedded migrations in ID order, one transaction each.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a migrator backed by the given db.
func NewMigrator(db *sql.DB) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

// Migrate applies every pending migration.
func Migrate(ctx context.Context, db *sql.DB) ([]string, error) {
	m, err := NewMigrator(db)
	if err != nil {
		return nil, err
	}
	return m.Up(ctx, 0)
}

// EnsureSchema creates the schema_migrations bookkeeping table.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// Up applies pending migrations. If steps <= 0, apply all.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	_, pending, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	done := []string{}
	for _, migration := range pending {
		if strings.TrimSpace(migration.UpSQL) == "" {
			return done, fmt.Errorf("missing up migration for %s", migration.ID)
		}
		err := m.inTx(ctx, migration.UpSQL, `INSERT INTO schema_migrations (id) VALUES ($1)`, migration.ID)
		if err != nil {
			return done, fmt.Errorf("apply migration %s: %w", migration.ID, err)
		}
		done = append(done, migration.ID)
	}
	return done, nil
}

// Down rolls back the last N applied migrations, newest first. steps <= 0
// rolls back one.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	applied, _, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > len(applied) {
		steps = len(applied)
	}

	rolled := []string{}
	for i := len(applied) - 1; i >= len(applied)-steps; i-- {
		id := applied[i].ID
		migration, ok := m.migrationByID(id)
		if !ok {
			return rolled, fmt.Errorf("migration %s not found", id)
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return rolled, fmt.Errorf("missing down migration for %s", id)
		}
		err := m.inTx(ctx, migration.DownSQL, `DELETE FROM schema_migrations WHERE id = $1`, id)
		if err != nil {
			return rolled, fmt.Errorf("rollback migration %s: %w", id, err)
		}
		rolled = append(rolled, id)
	}
	return rolled, nil
}

// Status returns applied migrations in ID order and the pending ones.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := []AppliedMigration{}
	seen := map[string]bool{}
	for rows.Next() {
		var entry AppliedMigration
		if err := rows.Scan(&entry.ID, &entry.AppliedAt); err != nil {
			return nil, nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied = append(applied, entry)
		seen[entry.ID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("schema_migrations: %w", err)
	}

	pending := []Migration{}
	for _, migration := range m.migrations {
		if !seen[migration.ID] {
			pending = append(pending, migration)
		}
	}
	return applied, pending, nil
}

// inTx runs a migration body and its bookkeeping statement atomically.
func (m *Migrator) inTx(ctx context.Context, body, record, id string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, record, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *Migrator) migrationByID(id string) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.ID == id {
			return migration, true
		}
	}
	return Migration{}, false
}

func loadMigrations() ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	entries := map[string]*Migration{}
	for _, path := range paths {
		base := strings.TrimPrefix(path, "migrations/")
		var id string
		var up bool
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			id, up = strings.TrimSuffix(base, ".up.sql"), true
		case strings.HasSuffix(base, ".down.sql"):
			id = strings.TrimSuffix(base, ".down.sql")
		default:
			continue
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		entry := entries[id]
		if entry == nil {
			entry = &Migration{ID: id}
			entries[id] = entry
		}
		if up {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		migrations = append(migrations, *entry)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].ID < migrations[j].ID })
	return migrations, nil
}
