package forecast

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/lox/bikecast/internal/features"
	"github.com/lox/bikecast/internal/models"
)

// LinearRegression is an ordinary least squares fit with an intercept.
type LinearRegression struct {
	features  []string
	intercept float64
	coef      []float64
}

func NewLinearRegression() *LinearRegression {
	return &LinearRegression{}
}

func (l *LinearRegression) Kind() string { return KindLinear }

func (l *LinearRegression) Features() []string {
	return append([]string(nil), l.features...)
}

// Coefficients returns the intercept and per-feature weights.
func (l *LinearRegression) Coefficients() (float64, map[string]float64) {
	out := make(map[string]float64, len(l.features))
	for i, f := range l.features {
		out[f] = l.coef[i]
	}
	return l.intercept, out
}

func (l *LinearRegression) Fit(X *features.Matrix, y []float64) error {
	if err := validateTraining(X, y); err != nil {
		return err
	}
	n, p := X.Len(), len(X.Columns)
	if n < p+1 {
		return fmt.Errorf("%w: %d rows cannot fit %d coefficients", models.ErrInsufficientData, n, p+1)
	}

	design := mat.NewDense(n, p+1, nil)
	for i, row := range X.Rows {
		design.Set(i, 0, 1)
		for j, v := range row {
			design.Set(i, j+1, v)
		}
	}
	target := mat.NewVecDense(n, append([]float64(nil), y...))

	var beta mat.VecDense
	if err := beta.SolveVec(design, target); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return fmt.Errorf("%w: features are collinear (condition %.3g)", models.ErrInsufficientData, float64(cond))
		}
		return fmt.Errorf("solve least squares: %w", err)
	}

	l.features = append([]string(nil), X.Columns...)
	l.intercept = beta.AtVec(0)
	l.coef = make([]float64, p)
	for j := range l.coef {
		l.coef[j] = beta.AtVec(j + 1)
	}
	return nil
}

func (l *LinearRegression) Predict(X *features.Matrix) ([]float64, error) {
	sel, err := prepare(l.features, X)
	if err != nil {
		return nil, err
	}
	if sel.Len() == 0 {
		return []float64{}, nil
	}

	data := make([]float64, 0, sel.Len()*len(l.coef))
	for _, row := range sel.Rows {
		data = append(data, row...)
	}
	A := mat.NewDense(sel.Len(), len(l.coef), data)

	var out mat.VecDense
	out.MulVec(A, mat.NewVecDense(len(l.coef), append([]float64(nil), l.coef...)))
	preds := make([]float64, sel.Len())
	for i := range preds {
		preds[i] = out.AtVec(i) + l.intercept
	}
	return preds, nil
}
