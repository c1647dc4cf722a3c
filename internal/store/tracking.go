package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lox/bikecast/internal/models"
)

// RunOrder selects the ordering of a run search. Metric, when set, orders by
// that metric's value; otherwise Field must be "start_time" or "end_time".
type RunOrder struct {
	Field  string
	Metric string
	Desc   bool
}

// EnsureExperiment returns the id of the named experiment, creating it if needed.
func (s *Store) EnsureExperiment(ctx context.Context, name string) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO experiments (name, created_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, time.Now().UTC()); err != nil {
		return 0, err
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM experiments WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// StartRun records a new run in the running state.
func (s *Store) StartRun(ctx context.Context, experimentID int64, runID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, experiment_id, status, start_time)
		VALUES (?, ?, ?, ?)
	`, runID, experimentID, string(models.RunRunning), startedAt.UTC())
	return err
}

// EndRun moves a running run to its terminal status.
func (s *Store) EndRun(ctx context.Context, runID string, status models.RunStatus, endedAt time.Time, errMsg string) error {
	var msg sql.NullString
	if errMsg != "" {
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, end_time = ?, error_message = ?
		WHERE run_id = ? AND status = ?
	`, string(status), endedAt.UTC(), msg, runID, string(models.RunRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s is not running", runID)
	}
	return nil
}

// LogRunMetric stores the latest value of a metric for a run.
func (s *Store) LogRunMetric(ctx context.Context, runID, key string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_metrics (run_id, key, value, logged_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, key) DO UPDATE SET
			value = excluded.value,
			logged_at = excluded.logged_at
	`, runID, key, value, time.Now().UTC())
	return err
}

// LogRunModel attaches a named model artifact to a run.
func (s *Store) LogRunModel(ctx context.Context, runID, name string, artifact []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_models (run_id, name, artifact, logged_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, name) DO UPDATE SET
			artifact = excluded.artifact,
			logged_at = excluded.logged_at
	`, runID, name, artifact, time.Now().UTC())
	return err
}

// GetRunModel returns a logged artifact, or nil if absent.
func (s *Store) GetRunModel(ctx context.Context, runID, name string) ([]byte, error) {
	var artifact []byte
	err := s.db.QueryRowContext(ctx, `SELECT artifact FROM run_models WHERE run_id = ? AND name = ?`, runID, name).Scan(&artifact)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return artifact, err
}

// SearchRuns returns runs of an experiment in the requested order. A limit
// of zero or less returns every run.
func (s *Store) SearchRuns(ctx context.Context, experiment string, order RunOrder, limit int) ([]models.RunRecord, error) {
	var orderExpr string
	var args []any
	join := ""
	switch {
	case order.Metric != "":
		join = `LEFT JOIN run_metrics m ON m.run_id = r.run_id AND m.key = ?`
		args = append(args, order.Metric)
		// runs without the metric sort last in both directions
		orderExpr = "m.value IS NULL, m.value"
	case order.Field == "start_time" || order.Field == "":
		orderExpr = "r.start_time"
	case order.Field == "end_time":
		orderExpr = "r.end_time IS NULL, r.end_time"
	default:
		return nil, fmt.Errorf("unsupported order field %q", order.Field)
	}
	direction := "ASC"
	if order.Desc {
		direction = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT r.run_id, e.name, r.status, r.start_time, r.end_time, COALESCE(r.error_message, '')
		FROM runs r
		JOIN experiments e ON e.id = r.experiment_id
		%s
		WHERE e.name = ?
		ORDER BY %s %s, r.run_id %s`, join, orderExpr, direction, direction)
	args = append(args, experiment)
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var runs []models.RunRecord
	for rows.Next() {
		var r models.RunRecord
		var status string
		var end sql.NullTime
		if err := rows.Scan(&r.RunID, &r.Experiment, &status, &r.StartTime, &end, &r.Error); err != nil {
			rows.Close()
			return nil, err
		}
		r.Status = models.RunStatus(status)
		if end.Valid {
			t := end.Time
			r.EndTime = &t
		}
		r.Metrics = make(map[string]float64)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(runs) == 0 {
		return runs, nil
	}
	if err := s.attachRunMetrics(ctx, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Store) attachRunMetrics(ctx context.Context, runs []models.RunRecord) error {
	index := make(map[string]int, len(runs))
	placeholders := make([]string, len(runs))
	args := make([]any, len(runs))
	for i, r := range runs {
		index[r.RunID] = i
		placeholders[i] = "?"
		args[i] = r.RunID
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT run_id, key, value FROM run_metrics WHERE run_id IN (%s)`,
		strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var runID, key string
		var value float64
		if err := rows.Scan(&runID, &key, &value); err != nil {
			return err
		}
		runs[index[runID]].Metrics[key] = value
	}
	return rows.Err()
}
