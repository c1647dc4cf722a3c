package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSchemaMismatch is returned when rows are inserted with a schema that
// differs from the one recorded by the group's first insert.
var ErrSchemaMismatch = errors.New("schema mismatch")

// FeatureGroup is the stored definition of a versioned feature table.
type FeatureGroup struct {
	ID          int64
	Project     string
	Name        string
	Version     int
	PrimaryKey  []string
	EventTime   string
	Description string
	Schema      sql.NullString // canonical schema JSON, unset until first insert
	CreatedAt   time.Time
}

// FeatureRow is one stored row, keyed by its encoded primary key and event time.
type FeatureRow struct {
	Key       string
	EventTime time.Time
	Values    string // JSON array in schema column order
}

// GetFeatureGroup returns the group, or nil if it does not exist.
func (s *Store) GetFeatureGroup(ctx context.Context, project, name string, version int) (*FeatureGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project, name, version, primary_key, event_time, COALESCE(description, ''), schema_json, created_at
		FROM feature_groups
		WHERE project = ? AND name = ? AND version = ?
	`, project, name, version)

	var g FeatureGroup
	var pk string
	err := row.Scan(&g.ID, &g.Project, &g.Name, &g.Version, &pk, &g.EventTime, &g.Description, &g.Schema, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pk), &g.PrimaryKey); err != nil {
		return nil, fmt.Errorf("decode primary key of %s v%d: %w", name, version, err)
	}
	return &g, nil
}

// CreateFeatureGroup inserts the group if absent and returns the stored definition.
func (s *Store) CreateFeatureGroup(ctx context.Context, g FeatureGroup) (*FeatureGroup, error) {
	pk, err := json.Marshal(g.PrimaryKey)
	if err != nil {
		return nil, fmt.Errorf("encode primary key: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feature_groups (project, name, version, primary_key, event_time, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project, name, version) DO NOTHING
	`, g.Project, g.Name, g.Version, string(pk), g.EventTime, g.Description, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.GetFeatureGroup(ctx, g.Project, g.Name, g.Version)
}

// ListFeatureGroups returns all groups of a project ordered by name and version.
func (s *Store) ListFeatureGroups(ctx context.Context, project string) ([]FeatureGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, name, version, primary_key, event_time, COALESCE(description, ''), schema_json, created_at
		FROM feature_groups
		WHERE project = ?
		ORDER BY name, version
	`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []FeatureGroup
	for rows.Next() {
		var g FeatureGroup
		var pk string
		if err := rows.Scan(&g.ID, &g.Project, &g.Name, &g.Version, &pk, &g.EventTime, &g.Description, &g.Schema, &g.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pk), &g.PrimaryKey); err != nil {
			return nil, fmt.Errorf("decode primary key of %s v%d: %w", g.Name, g.Version, err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// InsertFeatureRows writes rows in one transaction. The first insert records
// schema as the group's schema; later inserts must carry the same schema.
// Rows with an existing (key, event time) are replaced, new event times append.
func (s *Store) InsertFeatureRows(ctx context.Context, groupID int64, schema string, rows []FeatureRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT schema_json FROM feature_groups WHERE id = ?`, groupID).Scan(&current); err != nil {
		return fmt.Errorf("lookup schema: %w", err)
	}
	switch {
	case !current.Valid:
		if _, err := tx.ExecContext(ctx, `UPDATE feature_groups SET schema_json = ? WHERE id = ?`, schema, groupID); err != nil {
			return fmt.Errorf("record schema: %w", err)
		}
	case current.String != schema:
		return fmt.Errorf("%w: declared %s, got %s", ErrSchemaMismatch, current.String, schema)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feature_rows (group_id, row_key, event_time, values_json, inserted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id, row_key, event_time) DO UPDATE SET
			values_json = excluded.values_json,
			inserted_at = excluded.inserted_at
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, groupID, r.Key, r.EventTime.UTC(), r.Values, now); err != nil {
			return fmt.Errorf("insert row %s: %w", r.Key, err)
		}
	}

	return tx.Commit()
}

// ReadFeatureRows returns every row of a group ordered by key then event time.
func (s *Store) ReadFeatureRows(ctx context.Context, groupID int64) ([]FeatureRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_key, event_time, values_json
		FROM feature_rows
		WHERE group_id = ?
		ORDER BY row_key ASC, event_time ASC
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []FeatureRow
	for rows.Next() {
		var r FeatureRow
		if err := rows.Scan(&r.Key, &r.EventTime, &r.Values); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// CountFeatureRows returns the number of stored rows of a group.
func (s *Store) CountFeatureRows(ctx context.Context, groupID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feature_rows WHERE group_id = ?`, groupID).Scan(&n)
	return n, err
}
