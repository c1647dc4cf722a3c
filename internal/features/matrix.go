package features

import (
	"fmt"
	"math"

	"github.com/lox/bikecast/internal/models"
)

// Matrix is a dense table of numeric features with named columns.
type Matrix struct {
	Columns []string
	Rows    [][]float64
}

// Len returns the number of rows.
func (m *Matrix) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Rows)
}

// Index returns the position of the named column, or -1.
func (m *Matrix) Index(name string) int {
	for i, c := range m.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Validate checks row widths and that every value is finite.
func (m *Matrix) Validate() error {
	for i, row := range m.Rows {
		if len(row) != len(m.Columns) {
			return fmt.Errorf("%w: row %d has %d values, want %d", models.ErrValidation, i, len(row), len(m.Columns))
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: row %d column %s is undefined", models.ErrValidation, i, m.Columns[j])
			}
		}
	}
	return nil
}

// Select returns a matrix with exactly the named columns in the given order.
// Extra columns are ignored; a missing column is a schema error.
func (m *Matrix) Select(columns []string) (*Matrix, error) {
	idx := make([]int, len(columns))
	for i, c := range columns {
		if idx[i] = m.Index(c); idx[i] < 0 {
			return nil, fmt.Errorf("%w: missing feature column %s", models.ErrSchema, c)
		}
	}
	out := &Matrix{Columns: append([]string(nil), columns...), Rows: make([][]float64, len(m.Rows))}
	for r, row := range m.Rows {
		if len(row) != len(m.Columns) {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", models.ErrValidation, r, len(row), len(m.Columns))
		}
		sel := make([]float64, len(idx))
		for i, j := range idx {
			sel[i] = row[j]
		}
		out.Rows[r] = sel
	}
	return out, nil
}

// Row returns row i keyed by column name.
func (m *Matrix) Row(i int) map[string]float64 {
	out := make(map[string]float64, len(m.Columns))
	for j, c := range m.Columns {
		out[c] = m.Rows[i][j]
	}
	return out
}

// ToMatrix builds the feature matrix (one lag_k column per offset) and the
// trip count target from lagged records.
func ToMatrix(records []models.LaggedRecord, offsets []int) (*Matrix, []float64, error) {
	offs, err := NormalizeOffsets(offsets)
	if err != nil {
		return nil, nil, err
	}
	m := &Matrix{Columns: FeatureNames(offs), Rows: make([][]float64, 0, len(records))}
	y := make([]float64, 0, len(records))
	for _, r := range records {
		row := make([]float64, len(offs))
		for i, k := range offs {
			v, ok := r.Lags[k]
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s at %s has no %s", models.ErrValidation, r.StationID, r.Hour.Format("2006-01-02T15:04Z07:00"), models.LagColumn(k))
			}
			row[i] = float64(v)
		}
		m.Rows = append(m.Rows, row)
		y = append(y, float64(r.TripCount))
	}
	return m, y, nil
}
