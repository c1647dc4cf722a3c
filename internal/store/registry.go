package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// RegisteredModel is a versioned model artifact in the registry.
type RegisteredModel struct {
	ID           int64
	Project      string
	Name         string
	Version      int
	Description  string
	Metrics      string // JSON object
	InputExample string // JSON object
	Schema       string // JSON array
	Artifact     []byte
	ArtifactHash string
	CreatedAt    time.Time
}

// CreateModelVersion stores m under the next version number for its name and
// returns the assigned version.
func (s *Store) CreateModelVersion(ctx context.Context, m RegisteredModel) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM registered_models WHERE project = ? AND name = ?`,
		m.Project, m.Name).Scan(&version); err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}

	hash := sha256.Sum256(m.Artifact)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO registered_models
		(project, name, version, description, metrics_json, input_example_json, schema_json, artifact, artifact_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Project, m.Name, version, m.Description, m.Metrics, m.InputExample, m.Schema,
		m.Artifact, hex.EncodeToString(hash[:]), time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("insert model: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// GetModelVersion returns the model, or nil if it does not exist. A version
// of 0 selects the latest.
func (s *Store) GetModelVersion(ctx context.Context, project, name string, version int) (*RegisteredModel, error) {
	query := `
		SELECT id, project, name, version, COALESCE(description, ''), COALESCE(metrics_json, '{}'),
		       COALESCE(input_example_json, '{}'), COALESCE(schema_json, '[]'), artifact, artifact_hash, created_at
		FROM registered_models
		WHERE project = ? AND name = ?`
	args := []any{project, name}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	var m RegisteredModel
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&m.ID, &m.Project, &m.Name, &m.Version,
		&m.Description, &m.Metrics, &m.InputExample, &m.Schema, &m.Artifact, &m.ArtifactHash, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListModelVersions returns all versions of a model without artifacts, newest first.
func (s *Store) ListModelVersions(ctx context.Context, project, name string) ([]RegisteredModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, name, version, COALESCE(description, ''), COALESCE(metrics_json, '{}'), artifact_hash, created_at
		FROM registered_models
		WHERE project = ? AND name = ?
		ORDER BY version DESC
	`, project, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []RegisteredModel
	for rows.Next() {
		var m RegisteredModel
		if err := rows.Scan(&m.ID, &m.Project, &m.Name, &m.Version, &m.Description, &m.Metrics, &m.ArtifactHash, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
