package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/features"
	"github.com/lox/bikecast/internal/featurestore"
	"github.com/lox/bikecast/internal/forecast"
	"github.com/lox/bikecast/internal/metrics"
	"github.com/lox/bikecast/internal/models"
)

// ModelSource says where inference loads its model from. A registered model
// name takes precedence over the local artifact path.
type ModelSource struct {
	Path string
	Name string
	// Version of the registered model; zero means latest.
	Version int
}

type loadedModel struct {
	regressor forecast.Regressor
	station   string
	name      string
	version   int
}

func (r *Runner) loadModel(ctx context.Context, src ModelSource) (*loadedModel, error) {
	if src.Name == "" {
		if src.Path == "" {
			return nil, fmt.Errorf("%w: no model path or registered model name", models.ErrValidation)
		}
		station, reg, err := forecast.LoadFile(src.Path)
		if err != nil {
			return nil, err
		}
		return &loadedModel{regressor: reg, station: station, name: src.Path}, nil
	}

	var mv *featurestore.ModelVersion
	var err error
	if src.Version > 0 {
		mv, err = r.project.Models().GetModel(ctx, src.Name, src.Version)
	} else {
		mv, err = r.project.Models().LatestModel(ctx, src.Name)
	}
	if err != nil {
		return nil, err
	}
	station, reg, err := forecast.UnmarshalStation(mv.Artifact)
	if err != nil {
		return nil, fmt.Errorf("load %s v%d: %w", mv.Name, mv.Version, err)
	}
	return &loadedModel{regressor: reg, station: station, name: mv.Name, version: mv.Version}, nil
}

type InferConfig struct {
	Model ModelSource
	// Publish sends the predictions to the configured publisher.
	Publish bool
}

// Infer predicts the next hour for every station from its latest lag row and
// appends the predictions to the predictions group.
func (r *Runner) Infer(ctx context.Context, cfg InferConfig) ([]models.ForecastResult, error) {
	var results []models.ForecastResult
	err := r.run(ctx, PipelineInfer, func(c *counts) error {
		m, err := r.loadModel(ctx, cfg.Model)
		if err != nil {
			return err
		}
		records, offsets, err := r.readLagged(ctx)
		if err != nil {
			return err
		}
		c.read = len(records)

		latest, err := features.LatestPerStation(records)
		if err != nil {
			return err
		}
		results, err = r.predict(m, latest, offsets, r.now())
		if err != nil {
			return err
		}
		metrics.PredictionsGenerated.WithLabelValues(PipelineInfer).Add(float64(len(results)))

		table, err := featurestore.PredictionTable(results)
		if err != nil {
			return err
		}
		if err := r.insert(ctx, featurestore.Predictions, table, true); err != nil {
			return err
		}
		c.written = table.Len()

		if cfg.Publish && r.publisher != nil {
			if _, err := r.publisher.Publish(ctx, m.name, m.version, results); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

type BackfillConfig struct {
	Model ModelSource
	Start time.Time
	// End defaults to now.
	End time.Time
}

type BackfillResult struct {
	Hours       int
	Skipped     int
	Predictions int
}

// Backfill predicts every hour from Start to End using the lag rows recorded
// for that hour. Inserts are submitted without waiting; the run still fails
// if any of them does, and nothing already written is removed.
func (r *Runner) Backfill(ctx context.Context, cfg BackfillConfig) (*BackfillResult, error) {
	if cfg.End.IsZero() {
		cfg.End = r.now()
	}
	if cfg.End.Before(cfg.Start) {
		return nil, fmt.Errorf("%w: backfill end is before start", models.ErrValidation)
	}

	res := &BackfillResult{}
	err := r.run(ctx, PipelineBackfill, func(c *counts) error {
		m, err := r.loadModel(ctx, cfg.Model)
		if err != nil {
			return err
		}
		records, offsets, err := r.readLagged(ctx)
		if err != nil {
			return err
		}
		c.read = len(records)

		var jobs []*featurestore.Job
		for _, hour := range features.Hours(cfg.Start, cfg.End) {
			res.Hours++
			rows := features.AtHour(records, hour)
			if len(rows) == 0 {
				res.Skipped++
				continue
			}
			preds, err := r.predict(m, rows, offsets, r.now())
			if err != nil {
				return fmt.Errorf("predict %s: %w", hour.Format(time.RFC3339), err)
			}
			table, err := featurestore.PredictionTable(preds)
			if err != nil {
				return err
			}
			job, err := r.insertJob(ctx, featurestore.Predictions, table, false)
			if err != nil {
				return fmt.Errorf("insert %s: %w", hour.Format(time.RFC3339), err)
			}
			jobs = append(jobs, job)
			res.Predictions += len(preds)
			r.log.WithFields(logrus.Fields{"hour": hour.Format(time.RFC3339), "rows": len(preds)}).Debug("submitted backfill predictions")
		}
		metrics.PredictionsGenerated.WithLabelValues(PipelineBackfill).Add(float64(res.Predictions))

		var errs []error
		for _, j := range jobs {
			if err := j.Wait(); err != nil {
				errs = append(errs, err)
				continue
			}
			c.written += j.Rows
		}
		return errors.Join(errs...)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Runner) predict(m *loadedModel, rows []models.LaggedRecord, offsets []int, at time.Time) ([]models.ForecastResult, error) {
	X, _, err := features.ToMatrix(rows, offsets)
	if err != nil {
		return nil, err
	}
	preds, err := m.regressor.Predict(X)
	if err != nil {
		return nil, err
	}
	out := make([]models.ForecastResult, len(rows))
	for i, row := range rows {
		out[i] = models.ForecastResult{
			StationID:      row.StationID,
			Hour:           row.Hour,
			Prediction:     preds[i],
			PredictionTime: at,
		}
	}
	return out, nil
}
