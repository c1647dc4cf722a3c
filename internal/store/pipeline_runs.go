package store

import (
	"context"
	"database/sql"
	"time"
)

// PipelineRun is the audit record of one batch pipeline execution.
type PipelineRun struct {
	ID           int64
	Pipeline     string // "fetch", "aggregate", "features", "train", "infer", "backfill"
	StationID    sql.NullString
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	RowsRead     sql.NullInt64
	RowsWritten  sql.NullInt64
	Success      bool
	ErrorMessage sql.NullString
}

// StartPipelineRun creates a new pipeline run record and returns it.
func (s *Store) StartPipelineRun(ctx context.Context, pipeline string, stationID *string) (*PipelineRun, error) {
	run := &PipelineRun{
		Pipeline:  pipeline,
		StartedAt: time.Now().UTC(),
	}
	if stationID != nil {
		run.StationID = sql.NullString{String: *stationID, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (pipeline, station_id, started_at, success)
		VALUES (?, ?, ?, FALSE)
	`, run.Pipeline, run.StationID, run.StartedAt)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompletePipelineRun records the outcome of a run.
func (s *Store) CompletePipelineRun(ctx context.Context, run *PipelineRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET
			finished_at = ?,
			station_id = ?,
			rows_read = ?,
			rows_written = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.StationID, run.RowsRead, run.RowsWritten, run.Success, run.ErrorMessage, run.ID)
	return err
}

// PipelineHealthSummary aggregates pipeline runs per day.
type PipelineHealthSummary struct {
	Date         string
	Pipeline     string
	TotalRuns    int
	SuccessRuns  int
	FailedRuns   int
	RowsWritten  int64
}

// GetPipelineHealth returns per-day summaries for the last N days.
func (s *Store) GetPipelineHealth(ctx context.Context, days int) ([]PipelineHealthSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			pipeline,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(rows_written), 0) as rows_written
		FROM pipeline_runs
		WHERE SUBSTR(started_at, 1, 19) > datetime('now', '-' || ? || ' days')
		GROUP BY date, pipeline
		ORDER BY date DESC, pipeline
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PipelineHealthSummary
	for rows.Next() {
		var h PipelineHealthSummary
		if err := rows.Scan(&h.Date, &h.Pipeline, &h.TotalRuns, &h.SuccessRuns, &h.FailedRuns, &h.RowsWritten); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// GetRecentPipelineRuns returns the latest runs, newest first.
func (s *Store) GetRecentPipelineRuns(ctx context.Context, limit int) ([]PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline, station_id, started_at, finished_at, rows_read, rows_written, success, error_message
		FROM pipeline_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PipelineRun
	for rows.Next() {
		var r PipelineRun
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.StationID, &r.StartedAt, &r.FinishedAt,
			&r.RowsRead, &r.RowsWritten, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
