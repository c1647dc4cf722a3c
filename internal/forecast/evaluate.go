package forecast

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/lox/bikecast/internal/features"
	"github.com/lox/bikecast/internal/models"
)

// MetricSink receives evaluation metrics, typically a tracked training run.
type MetricSink interface {
	LogMetric(ctx context.Context, name string, value float64) error
}

// MAE returns the mean absolute error between yTrue and yPred.
func MAE(yTrue, yPred []float64) (float64, error) {
	if len(yTrue) == 0 || len(yPred) == 0 {
		return 0, fmt.Errorf("%w: mae needs at least one value (got %d true, %d predicted)", models.ErrEmptyInput, len(yTrue), len(yPred))
	}
	if len(yTrue) != len(yPred) {
		return 0, fmt.Errorf("%w: %d true values, %d predictions", models.ErrDimensionMismatch, len(yTrue), len(yPred))
	}
	return floats.Distance(yTrue, yPred, 1) / float64(len(yTrue)), nil
}

// Evaluate computes the MAE of the predictions and reports it to sink as "mae".
func Evaluate(ctx context.Context, sink MetricSink, yTrue, yPred []float64) (float64, error) {
	mae, err := MAE(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	if err := sink.LogMetric(ctx, "mae", mae); err != nil {
		return 0, err
	}
	return mae, nil
}

// EvaluateModel predicts over a held-out set and reports its MAE. An empty
// test set is ErrNoTestData rather than an error computed over zero samples.
func EvaluateModel(ctx context.Context, sink MetricSink, r Regressor, X *features.Matrix, y []float64) (float64, error) {
	if X.Len() == 0 || len(y) == 0 {
		return 0, models.ErrNoTestData
	}
	pred, err := r.Predict(X)
	if err != nil {
		return 0, err
	}
	return Evaluate(ctx, sink, y, pred)
}
