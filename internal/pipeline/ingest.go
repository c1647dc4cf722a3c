package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/features"
	"github.com/lox/bikecast/internal/featurestore"
	"github.com/lox/bikecast/internal/models"
	"github.com/lox/bikecast/internal/tripdata"
)

// DefaultTopStations is how many of the busiest start stations Fetch keeps.
const DefaultTopStations = 3

// MonthFetcher downloads one month of trip data.
type MonthFetcher interface {
	FetchMonth(ctx context.Context, month time.Time) ([]byte, string, error)
}

type FetchConfig struct {
	Start time.Time
	End   time.Time
	// TopStations limits the output to the busiest stations.
	TopStations int
	Output      string
	Location    *time.Location
}

type FetchResult struct {
	Months   int
	Skipped  []string
	Trips    int
	Stations []tripdata.StationCount
	Output   string
}

// Fetch downloads every month in range, cleans the rides, keeps the busiest
// stations and writes the processed CSV. Months that are not published yet
// are skipped; any other download failure aborts the run.
func (r *Runner) Fetch(ctx context.Context, src MonthFetcher, cfg FetchConfig) (*FetchResult, error) {
	if cfg.Output == "" {
		return nil, fmt.Errorf("%w: output path is required", models.ErrValidation)
	}
	if cfg.End.Before(cfg.Start) {
		return nil, fmt.Errorf("%w: end %s is before start %s", models.ErrValidation,
			tripdata.MonthKey(cfg.End), tripdata.MonthKey(cfg.Start))
	}
	if cfg.TopStations <= 0 {
		cfg.TopStations = DefaultTopStations
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	res := &FetchResult{Output: cfg.Output}
	err := r.run(ctx, PipelineFetch, func(c *counts) error {
		var trips []models.Trip
		for _, month := range tripdata.Months(cfg.Start, cfg.End) {
			key := tripdata.MonthKey(month)
			data, _, err := src.FetchMonth(ctx, month)
			if errors.Is(err, tripdata.ErrArchiveNotFound) {
				r.log.WithField("month", key).Warn("no archive published, skipping month")
				res.Skipped = append(res.Skipped, key)
				continue
			}
			if err != nil {
				return err
			}

			parsed, stats, err := tripdata.ParseArchive(data, cfg.Location)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			r.log.WithFields(logrus.Fields{
				"month":   key,
				"rows":    stats.Rows,
				"kept":    stats.Kept,
				"dropped": stats.Dropped,
			}).Info("cleaned month")
			c.read += stats.Rows
			res.Months++
			trips = append(trips, parsed...)
		}
		if len(trips) == 0 {
			return fmt.Errorf("%w: no trips between %s and %s", models.ErrInsufficientData,
				tripdata.MonthKey(cfg.Start), tripdata.MonthKey(cfg.End))
		}

		res.Stations = tripdata.TopStations(trips, cfg.TopStations)
		trips = tripdata.FilterStations(trips, res.Stations)
		if err := tripdata.WriteCSVFile(cfg.Output, trips); err != nil {
			return fmt.Errorf("write %s: %w", cfg.Output, err)
		}
		res.Trips = len(trips)
		c.written = len(trips)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

type AggregateConfig struct {
	Input string
	// Sparse writes only hours that saw a departure. By default hours between
	// a station's first and last trip are written with a zero count, so the
	// lag builder finds every prior hour.
	Sparse bool
}

// Aggregate turns the processed trip CSV into hourly counts and writes them to
// the hourly trips feature group, waiting for the insert to finish.
func (r *Runner) Aggregate(ctx context.Context, cfg AggregateConfig) (int, error) {
	written := 0
	err := r.run(ctx, PipelineAggregate, func(c *counts) error {
		trips, err := tripdata.ReadCSVFile(cfg.Input)
		if err != nil {
			return fmt.Errorf("read %s: %w", cfg.Input, err)
		}
		c.read = len(trips)
		if len(trips) == 0 {
			return fmt.Errorf("%w: %s has no trips", models.ErrInsufficientData, cfg.Input)
		}

		hourly := tripdata.AggregateHourly(trips, !cfg.Sparse)
		table, err := featurestore.HourlyTable(hourly)
		if err != nil {
			return err
		}
		if err := r.insert(ctx, featurestore.HourlyTrips, table, true); err != nil {
			return err
		}
		c.written = table.Len()
		written = table.Len()
		return nil
	})
	return written, err
}

type FeaturesConfig struct {
	Offsets []int
}

// Features builds lag features from the hourly trips group and writes them to
// the lag features group.
func (r *Runner) Features(ctx context.Context, cfg FeaturesConfig) (int, error) {
	offsets := cfg.Offsets
	if len(offsets) == 0 {
		offsets = features.DefaultOffsets()
	}
	offsets, err := features.NormalizeOffsets(offsets)
	if err != nil {
		return 0, err
	}

	written := 0
	err = r.run(ctx, PipelineFeatures, func(c *counts) error {
		hourly, err := r.readHourly(ctx)
		if err != nil {
			return err
		}
		c.read = len(hourly)

		lagged, err := features.BuildLags(hourly, offsets)
		if err != nil {
			return err
		}
		if len(lagged) == 0 {
			return fmt.Errorf("%w: no station has %d hours of history", models.ErrInsufficientData, offsets[len(offsets)-1]+1)
		}
		table, err := featurestore.LagTable(lagged, offsets)
		if err != nil {
			return err
		}
		if err := r.insert(ctx, featurestore.LagFeatures, table, true); err != nil {
			return err
		}
		c.written = table.Len()
		written = table.Len()
		return nil
	})
	return written, err
}

func (r *Runner) readHourly(ctx context.Context) ([]models.HourlyCount, error) {
	fg, err := r.project.GetFeatureGroup(ctx, featurestore.HourlyTrips.Name, featurestore.HourlyTrips.Version)
	if err != nil {
		return nil, err
	}
	table, err := fg.Read(ctx)
	if err != nil {
		return nil, err
	}
	if table.Len() == 0 {
		return nil, fmt.Errorf("%w: %s has no rows", models.ErrInsufficientData, fg.Name())
	}
	return featurestore.HourlyFromTable(table)
}

func (r *Runner) readLagged(ctx context.Context) ([]models.LaggedRecord, []int, error) {
	fg, err := r.project.GetFeatureGroup(ctx, featurestore.LagFeatures.Name, featurestore.LagFeatures.Version)
	if err != nil {
		return nil, nil, err
	}
	table, err := fg.Read(ctx)
	if err != nil {
		return nil, nil, err
	}
	if table.Len() == 0 {
		return nil, nil, fmt.Errorf("%w: %s has no rows", models.ErrInsufficientData, fg.Name())
	}
	return featurestore.LaggedFromTable(table)
}

func (r *Runner) insert(ctx context.Context, spec featurestore.Spec, table *featurestore.Table, wait bool) error {
	_, err := r.insertJob(ctx, spec, table, wait)
	return err
}

func (r *Runner) insertJob(ctx context.Context, spec featurestore.Spec, table *featurestore.Table, wait bool) (*featurestore.Job, error) {
	fg, err := r.project.GetOrCreateFeatureGroup(ctx, spec)
	if err != nil {
		return nil, err
	}
	return fg.Insert(ctx, table, featurestore.InsertOptions{WaitForJob: wait})
}
