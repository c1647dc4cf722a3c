package forecast

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/bikecast/internal/features"
	"github.com/lox/bikecast/internal/models"
)

// tripMatrix returns rows where the target depends only on lag_2.
func tripMatrix(n int) (*features.Matrix, []float64) {
	m := &features.Matrix{Columns: []string{"lag_1", "lag_2"}}
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		lag1 := float64((i * 7) % 13)
		lag2 := float64((i * 5) % 17)
		m.Rows = append(m.Rows, []float64{lag1, lag2})
		y[i] = 3 * lag2
	}
	return m, y
}

type recordingSink struct {
	names  []string
	values []float64
	err    error
}

func (s *recordingSink) LogMetric(_ context.Context, name string, value float64) error {
	if s.err != nil {
		return s.err
	}
	s.names = append(s.names, name)
	s.values = append(s.values, value)
	return nil
}

func TestMAE(t *testing.T) {
	tests := []struct {
		name    string
		yTrue   []float64
		yPred   []float64
		want    float64
		wantErr error
	}{
		{"empty", nil, nil, 0, models.ErrEmptyInput},
		{"empty predictions", []float64{1}, nil, 0, models.ErrEmptyInput},
		{"length mismatch", []float64{1, 2}, []float64{1, 2, 3}, 0, models.ErrDimensionMismatch},
		{"perfect", []float64{3, 5}, []float64{3, 5}, 0, nil},
		{"mixed signs", []float64{1, 2, 3, 4}, []float64{2, 2, 1, 5}, 1, nil},
		{"fractional", []float64{10}, []float64{7.5}, 2.5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MAE(tt.yTrue, tt.yPred)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestEvaluate_ReportsToSink(t *testing.T) {
	sink := &recordingSink{}
	mae, err := Evaluate(context.Background(), sink, []float64{1, 3}, []float64{2, 5})
	require.NoError(t, err)
	assert.Equal(t, 1.5, mae)
	assert.Equal(t, []string{"mae"}, sink.names)
	assert.Equal(t, []float64{1.5}, sink.values)

	failing := &recordingSink{err: errors.New("tracker down")}
	_, err = Evaluate(context.Background(), failing, []float64{1}, []float64{1})
	assert.Error(t, err)

	_, err = Evaluate(context.Background(), sink, nil, nil)
	assert.ErrorIs(t, err, models.ErrEmptyInput)
	assert.Len(t, sink.names, 1, "failed evaluations report nothing")
}

func TestEvaluateModel_NoTestData(t *testing.T) {
	X, y := tripMatrix(50)
	m := NewLinearRegression()
	require.NoError(t, m.Fit(X, y))

	_, err := EvaluateModel(context.Background(), &recordingSink{}, m, &features.Matrix{Columns: X.Columns}, nil)
	assert.ErrorIs(t, err, models.ErrNoTestData)
}

func TestFit_Validation(t *testing.T) {
	for _, kind := range []string{KindGBRT, KindLinear} {
		t.Run(kind, func(t *testing.T) {
			r, err := New(kind)
			require.NoError(t, err)

			err = r.Fit(&features.Matrix{Columns: []string{"lag_1"}}, nil)
			assert.ErrorIs(t, err, models.ErrInsufficientData)

			err = r.Fit(&features.Matrix{Columns: []string{"lag_1"}, Rows: [][]float64{{1}, {2}}}, []float64{1})
			assert.ErrorIs(t, err, models.ErrValidation)

			err = r.Fit(&features.Matrix{Columns: []string{"lag_1"}, Rows: [][]float64{{1}, {math.NaN()}}}, []float64{1, 2})
			assert.ErrorIs(t, err, models.ErrValidation)

			_, err = r.Predict(&features.Matrix{Columns: []string{"lag_1"}, Rows: [][]float64{{1}}})
			assert.ErrorIs(t, err, ErrNotFitted)
		})
	}

	_, err := New("lightgbm")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestGradientBoosting_Fits(t *testing.T) {
	X, y := tripMatrix(200)
	g := NewGradientBoosting(DefaultGBRTConfig())
	require.NoError(t, g.Fit(X, y))
	assert.Equal(t, []string{"lag_1", "lag_2"}, g.Features())

	pred, err := g.Predict(X)
	require.NoError(t, err)
	require.Len(t, pred, len(y))

	mean := 0.0
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))
	baseline := make([]float64, len(y))
	for i := range baseline {
		baseline[i] = mean
	}
	baseMAE, err := MAE(y, baseline)
	require.NoError(t, err)
	fitMAE, err := MAE(y, pred)
	require.NoError(t, err)
	assert.Less(t, fitMAE, baseMAE/2)

	assert.Equal(t, []string{"lag_2"}, g.TopFeatures(1))
	imp := g.Importances()
	assert.Greater(t, imp["lag_2"], imp["lag_1"])
	assert.Len(t, g.TopFeatures(10), 2)
}

func TestGradientBoosting_Deterministic(t *testing.T) {
	X, y := tripMatrix(120)
	a := NewGradientBoosting(DefaultGBRTConfig())
	b := NewGradientBoosting(DefaultGBRTConfig())
	require.NoError(t, a.Fit(X, y))
	require.NoError(t, b.Fit(X, y))

	pa, err := a.Predict(X)
	require.NoError(t, err)
	pb, err := b.Predict(X)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestGradientBoosting_SmallSampleIsConstant(t *testing.T) {
	X, y := tripMatrix(10)
	g := NewGradientBoosting(DefaultGBRTConfig())
	require.NoError(t, g.Fit(X, y))

	pred, err := g.Predict(X)
	require.NoError(t, err)
	for _, p := range pred {
		assert.InDelta(t, pred[0], p, 1e-9, "fewer rows than two leaves allow no split")
	}
}

func TestPredict_ColumnOrderAndSchema(t *testing.T) {
	X, y := tripMatrix(80)
	for _, kind := range []string{KindGBRT, KindLinear} {
		t.Run(kind, func(t *testing.T) {
			r, err := New(kind)
			require.NoError(t, err)
			require.NoError(t, r.Fit(X, y))

			want, err := r.Predict(X)
			require.NoError(t, err)

			swapped := &features.Matrix{Columns: []string{"lag_2", "extra", "lag_1"}}
			for _, row := range X.Rows {
				swapped.Rows = append(swapped.Rows, []float64{row[1], 99, row[0]})
			}
			got, err := r.Predict(swapped)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			_, err = r.Predict(&features.Matrix{Columns: []string{"lag_1"}, Rows: [][]float64{{1}}})
			assert.ErrorIs(t, err, models.ErrSchema)
		})
	}
}

func TestLinearRegression_RecoversLine(t *testing.T) {
	X := &features.Matrix{Columns: []string{"lag_1"}}
	var y []float64
	for i := 0; i < 20; i++ {
		X.Rows = append(X.Rows, []float64{float64(i)})
		y = append(y, 1+2*float64(i))
	}
	l := NewLinearRegression()
	require.NoError(t, l.Fit(X, y))

	intercept, coef := l.Coefficients()
	assert.InDelta(t, 1, intercept, 1e-9)
	assert.InDelta(t, 2, coef["lag_1"], 1e-9)

	pred, err := l.Predict(&features.Matrix{Columns: []string{"lag_1"}, Rows: [][]float64{{100}}})
	require.NoError(t, err)
	assert.InDelta(t, 201, pred[0], 1e-6)

	err = l.Fit(&features.Matrix{Columns: []string{"a", "b"}, Rows: [][]float64{{1, 2}, {2, 3}}}, []float64{1, 2})
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}

func TestArtifactRoundTrip(t *testing.T) {
	X, y := tripMatrix(100)
	for _, kind := range []string{KindGBRT, KindLinear} {
		t.Run(kind, func(t *testing.T) {
			r, err := New(kind)
			require.NoError(t, err)
			require.NoError(t, r.Fit(X, y))
			want, err := r.Predict(X)
			require.NoError(t, err)

			path := filepath.Join(t.TempDir(), "models", "best_model.json")
			require.NoError(t, SaveFile(path, "W 21 St & 6 Ave", r))

			station, loaded, err := LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "W 21 St & 6 Ave", station)
			assert.Equal(t, kind, loaded.Kind())
			assert.Equal(t, r.Features(), loaded.Features())

			got, err := loaded.Predict(X)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestArtifact_Rejects(t *testing.T) {
	_, err := Marshal(NewGradientBoosting(DefaultGBRTConfig()))
	assert.ErrorIs(t, err, ErrNotFitted)

	tests := []string{
		`not json`,
		`{"format":2,"kind":"linear","features":["lag_1"],"model":{}}`,
		`{"format":1,"kind":"forest","features":["lag_1"],"model":{}}`,
		`{"format":1,"kind":"linear","features":[],"model":{}}`,
		`{"format":1,"kind":"linear","features":["lag_1"],"model":{"intercept":1,"coef":[]}}`,
		`{"format":1,"kind":"gbrt","features":["lag_1"],"model":{"importance":[0],"trees":[{"nodes":[{"f":3,"l":1,"r":2}]}]}}`,
		`{"format":1,"kind":"gbrt","features":["lag_1"],"model":{"importance":[0],"trees":[{"nodes":[{"f":0,"l":0,"r":0}]}]}}`,
	}
	for _, data := range tests {
		_, err := Unmarshal([]byte(data))
		assert.ErrorIs(t, err, models.ErrValidation, data)
	}
}

func TestStationModels(t *testing.T) {
	X, y := tripMatrix(60)
	l := NewLinearRegression()
	require.NoError(t, l.Fit(X, y))

	sm := StationModels{"B": l, "A": l}
	assert.Equal(t, []string{"A", "B"}, sm.Stations())

	pred, err := sm.Predict("A", X)
	require.NoError(t, err)
	assert.Len(t, pred, 60)

	_, err = sm.Predict("C", X)
	assert.ErrorIs(t, err, models.ErrValidation)
}
