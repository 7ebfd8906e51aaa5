package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/samber/lo"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// MigrationManager handles database migrations
// FUNCTIONAL DISCOVERY: Manager pattern encapsulates migration state so the
// message store schema evolves the same way in tests and production
type MigrationManager struct {
	db     *sql.DB
	source fs.FS
}

// NewMigrationManager creates a migration manager reading from the given
// directory. An empty path selects the embedded migrations.
func NewMigrationManager(db *sql.DB, migrationsPath string) *MigrationManager {
	if migrationsPath == "" {
		sub, _ := fs.Sub(embedded, "migrations")
		return NewMigrationManagerFS(db, sub)
	}
	return NewMigrationManagerFS(db, os.DirFS(migrationsPath))
}

// NewMigrationManagerFS creates a migration manager over an arbitrary file system.
func NewMigrationManagerFS(db *sql.DB, source fs.FS) *MigrationManager {
	return &MigrationManager{db: db, source: source}
}

// ApplyMigrations applies all pending migrations in version order, each in
// its own transaction.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := m.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if lo.Contains(applied, migration.Version) {
			continue
		}
		if err := m.applyMigration(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

// AppliedVersions returns the versions recorded in schema_migrations.
func (m *MigrationManager) AppliedVersions() ([]string, error) {
	return m.getAppliedMigrations()
}

func (m *MigrationManager) createMigrationTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// TECHNICAL DISCOVERY: Migration ordering by filename prefix ensures consistent
// application order across environments
func (m *MigrationManager) loadMigrations() ([]Migration, error) {
	files, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, file := range files {
		if file.IsDir() || path.Ext(file.Name()) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(m.source, file.Name())
		if err != nil {
			return nil, err
		}

		// "001_create_messages.sql" -> "001", "create_messages"
		parts := strings.SplitN(strings.TrimSuffix(file.Name(), ".sql"), "_", 2)
		migration := Migration{Version: parts[0], SQL: string(content)}
		if len(parts) == 2 {
			migration.Description = parts[1]
		}
		migrations = append(migrations, migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (m *MigrationManager) getAppliedMigrations() ([]string, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var versions []string
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}

	return versions, rows.Err()
}

func (m *MigrationManager) applyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return err
	}

	return tx.Commit()
}
