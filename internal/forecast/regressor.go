// Package forecast holds the trip-count regressors, the error metrics used to
// judge them and the artifact format that carries a trained model from a
// training run to a later inference run.
package forecast

import (
	"errors"
	"fmt"
	"math"

	"github.com/lox/bikecast/internal/features"
	"github.com/lox/bikecast/internal/models"
)

var ErrNotFitted = errors.New("model is not fitted")

const (
	KindGBRT   = "gbrt"
	KindLinear = "linear"
)

// Regressor is a supervised regression capability. Predict requires every
// column seen by Fit to be present; column order and extra columns do not matter.
type Regressor interface {
	Fit(X *features.Matrix, y []float64) error
	Predict(X *features.Matrix) ([]float64, error)
	Features() []string
	Kind() string
}

// New returns an unfitted regressor of the given kind.
func New(kind string) (Regressor, error) {
	switch kind {
	case KindGBRT:
		return NewGradientBoosting(DefaultGBRTConfig()), nil
	case KindLinear:
		return NewLinearRegression(), nil
	default:
		return nil, fmt.Errorf("%w: unknown model kind %q", models.ErrValidation, kind)
	}
}

func validateTraining(X *features.Matrix, y []float64) error {
	if X.Len() == 0 {
		return fmt.Errorf("%w: no training rows", models.ErrInsufficientData)
	}
	if len(y) != X.Len() {
		return fmt.Errorf("%w: %d feature rows but %d targets", models.ErrValidation, X.Len(), len(y))
	}
	if len(X.Columns) == 0 {
		return fmt.Errorf("%w: no feature columns", models.ErrValidation)
	}
	if err := X.Validate(); err != nil {
		return err
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: target %d is undefined", models.ErrValidation, i)
		}
	}
	return nil
}

// prepare reorders X to the fitted columns.
func prepare(fitted []string, X *features.Matrix) (*features.Matrix, error) {
	if len(fitted) == 0 {
		return nil, ErrNotFitted
	}
	if X == nil {
		return nil, fmt.Errorf("%w: no input", models.ErrSchema)
	}
	sel, err := X.Select(fitted)
	if err != nil {
		return nil, err
	}
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	return sel, nil
}
