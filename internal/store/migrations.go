package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQLite      []string
	Postgres    []string
}

func (m migration) statements(d Dialect) []string {
	if d == Postgres {
		return m.Postgres
	}
	return m.SQLite
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Targets and latest readings",
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS targets (
				target_id INTEGER PRIMARY KEY,
				external_name TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS external_pm (
				target_id INTEGER PRIMARY KEY REFERENCES targets(target_id),
				pm10 REAL,
				pm25 REAL,
				recorded_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
		},
		Postgres: []string{
			`CREATE TABLE IF NOT EXISTS targets (
				target_id BIGINT PRIMARY KEY,
				external_name TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS external_pm (
				target_id BIGINT PRIMARY KEY REFERENCES targets(target_id),
				pm10 DOUBLE PRECISION,
				pm25 DOUBLE PRECISION,
				recorded_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
		},
	},
	{
		Version:     2,
		Description: "Ingest run audit",
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS ingest_runs (
				run_id TEXT PRIMARY KEY,
				started_at DATETIME NOT NULL,
				finished_at DATETIME,
				targets INTEGER NOT NULL DEFAULT 0,
				succeeded INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				success BOOLEAN NOT NULL DEFAULT FALSE,
				error_message TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at)`,
		},
		Postgres: []string{
			`CREATE TABLE IF NOT EXISTS ingest_runs (
				run_id UUID PRIMARY KEY,
				started_at TIMESTAMPTZ NOT NULL,
				finished_at TIMESTAMPTZ,
				targets INTEGER NOT NULL DEFAULT 0,
				succeeded INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				success BOOLEAN NOT NULL DEFAULT FALSE,
				error_message TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at)`,
		},
	},
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		slog.Info("applying migration", "version", m.Version, "description", m.Description, "dialect", s.dialect.String())

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		for _, stmt := range m.statements(s.dialect) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("execute migration %d: %w", m.Version, err)
			}
		}

		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	ts := "DATETIME"
	if s.dialect == Postgres {
		ts = "TIMESTAMPTZ"
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at `+ts+`
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// MigrationVersion returns the highest applied migration, or 0.
func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
