package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/features"
	"github.com/lox/bikecast/internal/featurestore"
	"github.com/lox/bikecast/internal/forecast"
	"github.com/lox/bikecast/internal/metrics"
	"github.com/lox/bikecast/internal/models"
	"github.com/lox/bikecast/internal/tracker"
)

const (
	VariantGBRT      = "gbrt"
	VariantBaseline  = "linear"
	VariantTopGBRT   = "gbrt-top10"
	DefaultArtifact  = "models/best_model.json"
	DefaultTestSplit = 0.2
)

// Variant is one of the training experiments.
type Variant struct {
	Name       string
	Kind       string
	Experiment string
	// RunArtifact is the name the model is logged under on the tracker run.
	RunArtifact string
	// RegisterAs is the registry name; empty means the model is only tracked.
	RegisterAs  string
	Description string
	// Offsets are built from the hourly trips group when set; otherwise the
	// stored lag features are used.
	Offsets []int
	// TopFeatures retrains on the most used columns of a first fit.
	TopFeatures int
}

var variants = map[string]Variant{
	VariantGBRT: {
		Name:        VariantGBRT,
		Kind:        forecast.KindGBRT,
		Experiment:  "citibike_trip_prediction_lag28",
		RunArtifact: "gbrt_lag28_model",
		RegisterAs:  "citibike_lag28_gbrt",
		Description: "Gradient boosted trees with 28 lag features",
	},
	VariantBaseline: {
		Name:        VariantBaseline,
		Kind:        forecast.KindLinear,
		Experiment:  "citibike_trip_prediction_baseline",
		RunArtifact: "baseline_model",
		Description: "Linear regression on the previous hour",
		Offsets:     []int{1},
	},
	VariantTopGBRT: {
		Name:        VariantTopGBRT,
		Kind:        forecast.KindGBRT,
		Experiment:  "citibike_trip_prediction_reduced",
		RunArtifact: "top10_lag_gbrt",
		Description: "Gradient boosted trees on the 10 most used lag features",
		TopFeatures: 10,
	},
}

// LookupVariant returns a training variant by name.
func LookupVariant(name string) (Variant, error) {
	v, ok := variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("%w: unknown model variant %q (want one of %v)", models.ErrValidation, name, VariantNames())
	}
	return v, nil
}

func VariantNames() []string {
	names := make([]string, 0, len(variants))
	for n := range variants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type TrainConfig struct {
	Variant string
	// Station to train on; empty picks the first station in the data.
	Station      string
	TestFraction float64
	// ArtifactPath is where the trained model is saved for later inference.
	// Empty skips the local file.
	ArtifactPath string
}

type TrainResult struct {
	Variant      string
	Station      string
	RunID        string
	MAE          float64
	Features     []string
	TrainRows    int
	TestRows     int
	ModelName    string
	ModelVersion int
}

// Train fits one station's model, evaluates it on the held-out tail of its
// history and records the run. The model is then saved locally and, for the
// main variant, registered.
func (r *Runner) Train(ctx context.Context, cfg TrainConfig) (*TrainResult, error) {
	if cfg.Variant == "" {
		cfg.Variant = VariantGBRT
	}
	v, err := LookupVariant(cfg.Variant)
	if err != nil {
		return nil, err
	}
	if cfg.TestFraction == 0 {
		cfg.TestFraction = DefaultTestSplit
	}

	res := &TrainResult{Variant: v.Name}
	err = r.run(ctx, PipelineTrain, func(c *counts) error {
		records, offsets, err := r.trainingRecords(ctx, v)
		if err != nil {
			return err
		}
		c.read = len(records)

		station := cfg.Station
		if station == "" {
			stations := features.Stations(records)
			if len(stations) == 0 {
				return fmt.Errorf("%w: no lagged rows to train on", models.ErrInsufficientData)
			}
			station = stations[0]
		}
		c.station = station
		res.Station = station
		log := r.log.WithFields(logrus.Fields{"station": station, "variant": v.Name})

		series := features.ForStation(records, station)
		if len(series) == 0 {
			return fmt.Errorf("%w: no lagged rows for station %q", models.ErrInsufficientData, station)
		}
		train, test, err := features.Split(series, cfg.TestFraction)
		if err != nil {
			return err
		}
		res.TrainRows, res.TestRows = len(train), len(test)

		xTrain, yTrain, err := features.ToMatrix(train, offsets)
		if err != nil {
			return err
		}
		xTest, yTest, err := features.ToMatrix(test, offsets)
		if err != nil {
			return err
		}

		tr := tracker.NewWithStore(r.store, v.Experiment, r.log)
		var artifact []byte
		err = tr.WithRun(ctx, func(run *tracker.Run) error {
			res.RunID = run.ID()
			model, err := fitVariant(v, xTrain, yTrain)
			if err != nil {
				return err
			}
			res.Features = model.Features()
			fields, err := logModelWeights(ctx, run, model)
			if err != nil {
				return err
			}

			mae, err := forecast.EvaluateModel(ctx, run, model, xTest, yTest)
			if err != nil {
				return err
			}
			res.MAE = mae
			metrics.ModelMAE.WithLabelValues(station, v.Name).Set(mae)

			artifact, err = forecast.MarshalStation(station, model)
			if err != nil {
				return err
			}
			if err := run.LogModel(ctx, v.RunArtifact, artifact); err != nil {
				return err
			}
			if cfg.ArtifactPath != "" {
				if err := forecast.SaveFile(cfg.ArtifactPath, station, model); err != nil {
					return fmt.Errorf("save model: %w", err)
				}
			}
			log.WithFields(fields).WithFields(logrus.Fields{"run_id": run.ID(), "mae": mae, "train_rows": len(train), "test_rows": len(test)}).Info("trained model")
			return nil
		})
		if err != nil {
			return err
		}

		if v.RegisterAs == "" {
			return nil
		}
		mv, err := r.project.Models().CreateModel(ctx, featurestore.ModelSpec{
			Name:         v.RegisterAs,
			Description:  v.Description,
			Metrics:      map[string]float64{"mae": res.MAE},
			InputExample: xTest.Row(0),
			Features:     res.Features,
			Artifact:     artifact,
		})
		if err != nil {
			return err
		}
		res.ModelName, res.ModelVersion = mv.Name, mv.Version
		c.written = 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Runner) trainingRecords(ctx context.Context, v Variant) ([]models.LaggedRecord, []int, error) {
	if len(v.Offsets) == 0 {
		return r.readLagged(ctx)
	}
	hourly, err := r.readHourly(ctx)
	if err != nil {
		return nil, nil, err
	}
	offsets, err := features.NormalizeOffsets(v.Offsets)
	if err != nil {
		return nil, nil, err
	}
	records, err := features.BuildLags(hourly, offsets)
	if err != nil {
		return nil, nil, err
	}
	return records, offsets, nil
}

// logModelWeights records what a fitted model leans on as run metrics: split
// counts for trees, the intercept and coefficients for the linear baseline.
// The returned fields summarise them for the training log line.
func logModelWeights(ctx context.Context, run *tracker.Run, model forecast.Regressor) (logrus.Fields, error) {
	fields := logrus.Fields{}
	switch m := model.(type) {
	case *forecast.GradientBoosting:
		for name, n := range m.Importances() {
			if err := run.LogMetric(ctx, "importance_"+name, float64(n)); err != nil {
				return nil, err
			}
		}
		fields["top_features"] = m.TopFeatures(3)
	case *forecast.LinearRegression:
		intercept, coef := m.Coefficients()
		if err := run.LogMetric(ctx, "intercept", intercept); err != nil {
			return nil, err
		}
		for name, w := range coef {
			if err := run.LogMetric(ctx, "coef_"+name, w); err != nil {
				return nil, err
			}
		}
		fields["intercept"] = intercept
	}
	return fields, nil
}

func fitVariant(v Variant, X *features.Matrix, y []float64) (forecast.Regressor, error) {
	model, err := forecast.New(v.Kind)
	if err != nil {
		return nil, err
	}
	if err := model.Fit(X, y); err != nil {
		return nil, err
	}
	if v.TopFeatures <= 0 {
		return model, nil
	}

	gb, ok := model.(*forecast.GradientBoosting)
	if !ok {
		return nil, fmt.Errorf("%w: feature selection needs a tree model", models.ErrValidation)
	}
	reduced, err := X.Select(gb.TopFeatures(v.TopFeatures))
	if err != nil {
		return nil, err
	}
	refit := forecast.NewGradientBoosting(gb.Config())
	if err := refit.Fit(reduced, y); err != nil {
		return nil, err
	}
	return refit, nil
}
