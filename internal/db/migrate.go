package db

import (
	"fmt"
)

// A migration is one versioned schema step. Steps run in ascending version
// order, each inside its own transaction, and are recorded in
// schema_migrations so a reopened room never reapplies them.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "room metadata",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS _room_meta (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
		},
	},
	{
		version: 2,
		name:    "room meta updated_at index",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_room_meta_updated_at ON _room_meta(updated_at)`,
		},
	},
}

// applyMigrations runs at engine cold start, before any connection is
// accepted. A failed step aborts engine construction; the partial transaction
// is rolled back and the recorded version stays at the last good step.
func (e *Engine) applyMigrations() error {
	if _, err := e.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := e.db.QueryRow(
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations",
	).Scan(&current); err != nil {
		return fmt.Errorf("read version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := e.db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			m.version, m.name,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): record: %w", m.version, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): commit: %w", m.version, m.name, err)
		}
	}
	return nil
}

// MigrationVersion returns the highest applied schema version.
func (e *Engine) MigrationVersion() (int, error) {
	var v int
	err := e.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}
