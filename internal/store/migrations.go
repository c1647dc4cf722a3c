package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Feature groups and feature rows",
		SQL: `
CREATE TABLE IF NOT EXISTS feature_groups (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project TEXT NOT NULL,
    name TEXT NOT NULL,
    version INTEGER NOT NULL,
    primary_key TEXT NOT NULL,
    event_time TEXT NOT NULL,
    description TEXT,
    schema_json TEXT,
    created_at DATETIME NOT NULL,
    UNIQUE(project, name, version)
);

CREATE TABLE IF NOT EXISTS feature_rows (
    group_id INTEGER NOT NULL REFERENCES feature_groups(id),
    row_key TEXT NOT NULL,
    event_time DATETIME NOT NULL,
    values_json TEXT NOT NULL,
    inserted_at DATETIME NOT NULL,
    PRIMARY KEY (group_id, row_key, event_time)
);

CREATE INDEX IF NOT EXISTS idx_feature_rows_event ON feature_rows(group_id, event_time);
`,
	},
	{
		Version:     2,
		Description: "Model registry",
		SQL: `
CREATE TABLE IF NOT EXISTS registered_models (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project TEXT NOT NULL,
    name TEXT NOT NULL,
    version INTEGER NOT NULL,
    description TEXT,
    metrics_json TEXT,
    input_example_json TEXT,
    schema_json TEXT,
    artifact BLOB NOT NULL,
    artifact_hash TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE(project, name, version)
);
`,
	},
	{
		Version:     3,
		Description: "Experiment tracking",
		SQL: `
CREATE TABLE IF NOT EXISTS experiments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    experiment_id INTEGER NOT NULL REFERENCES experiments(id),
    status TEXT NOT NULL,
    start_time DATETIME NOT NULL,
    end_time DATETIME,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS run_metrics (
    run_id TEXT NOT NULL REFERENCES runs(run_id),
    key TEXT NOT NULL,
    value REAL NOT NULL,
    logged_at DATETIME NOT NULL,
    PRIMARY KEY (run_id, key)
);

CREATE TABLE IF NOT EXISTS run_models (
    run_id TEXT NOT NULL REFERENCES runs(run_id),
    name TEXT NOT NULL,
    artifact BLOB NOT NULL,
    logged_at DATETIME NOT NULL,
    PRIMARY KEY (run_id, name)
);

CREATE INDEX IF NOT EXISTS idx_runs_experiment_start ON runs(experiment_id, start_time);
`,
	},
	{
		Version:     4,
		Description: "Pipeline run audit log",
		SQL: `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pipeline TEXT NOT NULL,
    station_id TEXT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    rows_read INTEGER,
    rows_written INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at);
`,
	},
	{
		Version:     5,
		Description: "Trip archive cache",
		SQL: `
CREATE TABLE IF NOT EXISTS trip_archives (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    month TEXT NOT NULL UNIQUE,
    url TEXT NOT NULL,
    fetched_at DATETIME NOT NULL,
    archive BLOB NOT NULL,
    archive_hash TEXT NOT NULL,
    size_bytes INTEGER NOT NULL
);
`,
	},
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.log.WithField("version", m.Version).Debugf("migrations: applying %s", m.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
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
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
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
