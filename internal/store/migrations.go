package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_core_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS servers (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				platform TEXT NOT NULL,
				hostname TEXT NOT NULL,
				port INTEGER NOT NULL DEFAULT 22,
				username TEXT NOT NULL DEFAULT '',
				key_file TEXT NOT NULL DEFAULT '',
				key_password TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS installations (
				id TEXT PRIMARY KEY,
				server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
				path TEXT NOT NULL,
				unix_username TEXT NOT NULL,
				site_title TEXT NOT NULL DEFAULT '',
				site_description TEXT,
				site_url TEXT NOT NULL DEFAULT '',
				timezone TEXT,
				admin_email TEXT,
				php_version TEXT,
				php_memory_limit TEXT,
				uses_server_cron INTEGER NOT NULL DEFAULT 0,
				monitoring_level TEXT NOT NULL DEFAULT 'normal',
				monitoring_status_min INTEGER NOT NULL DEFAULT 200,
				monitoring_status_max INTEGER NOT NULL DEFAULT 399,
				monitoring_test_login INTEGER NOT NULL DEFAULT 0,
				monitoring_status TEXT NOT NULL DEFAULT 'unknown',
				monitoring_status_since TEXT,
				monitoring_failed_attempts INTEGER NOT NULL DEFAULT 0,
				monitoring_last_checked_at TEXT,
				auto_login_user TEXT,
				last_scan_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(server_id, path)
			)`,
			`CREATE TABLE IF NOT EXISTS packages (
				installation_id TEXT NOT NULL REFERENCES installations(id) ON DELETE CASCADE,
				kind TEXT NOT NULL,
				slug TEXT NOT NULL,
				name TEXT NOT NULL,
				title TEXT NOT NULL,
				version TEXT NOT NULL DEFAULT '',
				enabled INTEGER NOT NULL DEFAULT 0,
				auto_update INTEGER NOT NULL DEFAULT 0,
				source TEXT NOT NULL DEFAULT 'unknown',
				latest_version TEXT,
				main_file_path TEXT,
				is_active_child INTEGER NOT NULL DEFAULT 0,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (installation_id, kind, slug)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_packages_kind_slug ON packages(kind, slug)`,
			`CREATE TABLE IF NOT EXISTS uploaded_packages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				kind TEXT NOT NULL,
				slug TEXT NOT NULL,
				version TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				archive_path TEXT NOT NULL,
				is_latest INTEGER NOT NULL DEFAULT 0,
				uploaded_at TEXT NOT NULL,
				UNIQUE(kind, slug, version)
			)`,
			`CREATE TABLE IF NOT EXISTS options (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	},
}

// Migrate applies every migration not yet recorded in schema_migrations.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := loadAppliedVersions(db)
	if err != nil {
		return err
	}
	known := make(map[int]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.version] = struct{}{}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

func loadAppliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	return applied, rows.Err()
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := tx.Exec(trimmed); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", m.version, err)
		}
	}
	appliedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`, m.version, m.name, appliedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	prev := 0
	for _, m := range migrations {
		if m.version <= prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		if len(m.statements) == 0 {
			return fmt.Errorf("migration %d has no statements", m.version)
		}
		prev = m.version
	}
	return nil
}
