package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/pocketbase/dbx"
)

// migration is one ordered, idempotent-once schema step, registered the
// same way the teacher's internal/migrations package registers PocketBase
// migrations via init() — here against a plain SQL runner instead of the
// collection API.
type migration struct {
	version int64
	name    string
	up      string
}

var registeredMigrations []migration

func registerMigration(version int64, name, up string) {
	registeredMigrations = append(registeredMigrations, migration{version: version, name: name, up: up})
}

func init() {
	registerMigration(1740000000, "create_command_history", `
		CREATE TABLE IF NOT EXISTS command_history (
			id           TEXT PRIMARY KEY,
			client_uuid  TEXT NOT NULL,
			command      TEXT NOT NULL,
			cwd          TEXT,
			stdout       TEXT NOT NULL DEFAULT '',
			stderr       TEXT NOT NULL DEFAULT '',
			returncode   INTEGER NOT NULL,
			started_at   DATETIME NOT NULL,
			completed_at DATETIME NOT NULL,
			duration_ms  INTEGER NOT NULL DEFAULT 0,
			user         TEXT,
			created_at   DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_command_history_client_uuid ON command_history(client_uuid);
		CREATE INDEX IF NOT EXISTS idx_command_history_completed_at ON command_history(completed_at DESC);
		CREATE INDEX IF NOT EXISTS idx_command_history_command ON command_history(command);
	`)

	registerMigration(1740000001, "create_audit_log", `
		CREATE TABLE IF NOT EXISTS audit_log (
			id            TEXT PRIMARY KEY,
			action        TEXT NOT NULL,
			client_uuid   TEXT,
			resource_name TEXT,
			status        TEXT NOT NULL,
			ip            TEXT,
			detail        TEXT,
			created_at    DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_log_client_uuid ON audit_log(client_uuid);
		CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at DESC);
	`)
}

// migrate applies any registered migration not yet recorded in
// schema_migrations, in ascending version order.
func (s *Store) migrate() error {
	if _, err := s.db.NewQuery(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		)
	`).Execute(); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	applied := make(map[int64]bool)
	var rows []struct {
		Version int64 `db:"version"`
	}
	if err := s.db.Select("version").From("schema_migrations").All(&rows); err != nil {
		return fmt.Errorf("store: read schema_migrations: %w", err)
	}
	for _, r := range rows {
		applied[r.Version] = true
	}

	ordered := append([]migration(nil), registeredMigrations...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].version < ordered[j].version })

	for _, m := range ordered {
		if applied[m.version] {
			continue
		}
		if _, err := s.db.NewQuery(m.up).Execute(); err != nil {
			return fmt.Errorf("store: apply migration %d_%s: %w", m.version, m.name, err)
		}
		_, err := s.db.Insert("schema_migrations", dbx.Params{
			"version":    m.version,
			"name":       m.name,
			"applied_at": time.Now().UTC(),
		}).Execute()
		if err != nil {
			return fmt.Errorf("store: record migration %d_%s: %w", m.version, m.name, err)
		}
	}
	return nil
}
