package forecast

import (
	"fmt"
	"sort"

	"github.com/lox/bikecast/internal/features"
	"github.com/lox/bikecast/internal/models"
)

// StationModels holds one independently trained regressor per station.
type StationModels map[string]Regressor

// Stations returns the station ids with a model, sorted.
func (s StationModels) Stations() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Predict runs the station's model over X.
func (s StationModels) Predict(station string, X *features.Matrix) ([]float64, error) {
	m, ok := s[station]
	if !ok {
		return nil, fmt.Errorf("%w: no model for station %q", models.ErrValidation, station)
	}
	return m.Predict(X)
}
