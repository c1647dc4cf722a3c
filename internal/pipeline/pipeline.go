// Package pipeline wires the trip data, feature store, forecasting and
// tracking packages into the batch workflows run by the CLI and the
// scheduler. Every workflow is a linear run recorded in pipeline_runs;
// nothing written by an earlier step is rolled back when a later one fails.
package pipeline

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/featurestore"
	"github.com/lox/bikecast/internal/metrics"
	"github.com/lox/bikecast/internal/models"
	"github.com/lox/bikecast/internal/store"
)

const (
	PipelineFetch     = "fetch"
	PipelineAggregate = "aggregate"
	PipelineFeatures  = "features"
	PipelineTrain     = "train"
	PipelineInfer     = "infer"
	PipelineBackfill  = "backfill"
)

// Publisher receives predictions once they are stored.
type Publisher interface {
	Publish(ctx context.Context, model string, version int, preds []models.ForecastResult) (int, error)
}

type Runner struct {
	store     *store.Store
	project   *featurestore.Project
	publisher Publisher
	log       logrus.FieldLogger
	now       func() time.Time
}

// New returns a runner. project must be backed by st.
func New(st *store.Store, project *featurestore.Project, log logrus.FieldLogger) *Runner {
	return &Runner{
		store:   st,
		project: project,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher configures where Infer sends fresh predictions.
func (r *Runner) SetPublisher(p Publisher) {
	r.publisher = p
}

type counts struct {
	station string
	read    int
	written int
}

// run records one pipeline execution around fn.
func (r *Runner) run(ctx context.Context, pipeline string, fn func(*counts) error) error {
	log := r.log.WithField("pipeline", pipeline)
	rec, err := r.store.StartPipelineRun(ctx, pipeline, nil)
	if err != nil {
		return models.External("store", "start_pipeline_run", err)
	}
	start := time.Now()
	log.Info("pipeline started")

	var c counts
	fnErr := fn(&c)

	rec.RowsRead = sql.NullInt64{Int64: int64(c.read), Valid: true}
	rec.RowsWritten = sql.NullInt64{Int64: int64(c.written), Valid: true}
	if c.station != "" {
		rec.StationID = sql.NullString{String: c.station, Valid: true}
	}
	rec.Success = fnErr == nil
	if fnErr != nil {
		rec.ErrorMessage = sql.NullString{String: fnErr.Error(), Valid: true}
	}
	completeErr := r.store.CompletePipelineRun(context.WithoutCancel(ctx), rec)
	if completeErr != nil {
		log.WithError(completeErr).Warn("failed to record pipeline run")
	}

	status := "success"
	if fnErr != nil {
		status = "failure"
	}
	elapsed := time.Since(start)
	metrics.PipelineRunsTotal.WithLabelValues(pipeline, status).Inc()
	metrics.PipelineDuration.WithLabelValues(pipeline).Observe(elapsed.Seconds())

	fields := logrus.Fields{"rows_read": c.read, "rows_written": c.written, "duration": elapsed.Round(time.Millisecond)}
	if c.station != "" {
		fields["station"] = c.station
	}
	if fnErr != nil {
		log.WithFields(fields).WithError(fnErr).Error("pipeline failed")
		return fnErr
	}
	if completeErr != nil {
		return models.External("store", "complete_pipeline_run", completeErr)
	}
	log.WithFields(fields).Info("pipeline finished")
	return nil
}
