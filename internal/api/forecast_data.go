package api

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/lox/bikecast/internal/featurestore"
	"github.com/lox/bikecast/internal/forecast"
	"github.com/lox/bikecast/internal/models"
)

// Comparison pairs a prediction with the trips actually observed that hour.
type Comparison struct {
	Station        string    `json:"station"`
	Hour           time.Time `json:"hour"`
	Actual         int       `json:"actual"`
	Prediction     float64   `json:"prediction"`
	PredictionTime time.Time `json:"prediction_time"`
}

// readTable reads a feature group, treating a group that does not exist yet
// as empty.
func (s *Server) readTable(ctx context.Context, spec featurestore.Spec) (*featurestore.Table, error) {
	fg, err := s.project.GetFeatureGroup(ctx, spec.Name, spec.Version)
	if errors.Is(err, featurestore.ErrNotFound) {
		return featurestore.NewTable(), nil
	}
	if err != nil {
		return nil, err
	}
	return fg.Read(ctx)
}

func (s *Server) actuals(ctx context.Context) ([]models.HourlyCount, error) {
	t, err := s.readTable(ctx, featurestore.HourlyTrips)
	if err != nil {
		return nil, err
	}
	return featurestore.HourlyFromTable(t)
}

// predictions returns the most recent prediction for every (station, hour).
func (s *Server) predictions(ctx context.Context) ([]models.ForecastResult, error) {
	t, err := s.readTable(ctx, featurestore.Predictions)
	if err != nil {
		return nil, err
	}
	all, err := featurestore.PredictionsFromTable(t)
	if err != nil {
		return nil, err
	}
	return LatestPredictions(all), nil
}

// LatestPredictions keeps the prediction with the newest prediction time for
// each (station, hour). The result is sorted by station then hour.
func LatestPredictions(preds []models.ForecastResult) []models.ForecastResult {
	type key struct {
		station string
		hour    int64
	}
	latest := make(map[key]models.ForecastResult, len(preds))
	for _, p := range preds {
		k := key{p.StationID, p.Hour.Unix()}
		if cur, ok := latest[k]; !ok || p.PredictionTime.After(cur.PredictionTime) {
			latest[k] = p
		}
	}
	out := make([]models.ForecastResult, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sortForecasts(out)
	return out
}

// Join matches predictions to observed counts on station and hour. Hours
// missing from either side are dropped.
func Join(actuals []models.HourlyCount, preds []models.ForecastResult) []Comparison {
	type key struct {
		station string
		hour    int64
	}
	counts := make(map[key]int, len(actuals))
	for _, a := range actuals {
		counts[key{a.StationID, a.Hour.Unix()}] = a.TripCount
	}

	var out []Comparison
	for _, p := range preds {
		n, ok := counts[key{p.StationID, p.Hour.Unix()}]
		if !ok {
			continue
		}
		out = append(out, Comparison{
			Station:        p.StationID,
			Hour:           p.Hour,
			Actual:         n,
			Prediction:     p.Prediction,
			PredictionTime: p.PredictionTime,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Station != out[j].Station {
			return out[i].Station < out[j].Station
		}
		return out[i].Hour.Before(out[j].Hour)
	})
	return out
}

// comparisons loads the joined predictions and actuals for every station.
func (s *Server) comparisons(ctx context.Context) ([]Comparison, error) {
	actuals, err := s.actuals(ctx)
	if err != nil {
		return nil, err
	}
	preds, err := s.predictions(ctx)
	if err != nil {
		return nil, err
	}
	return Join(actuals, preds), nil
}

func stationsOf(rows []Comparison) []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range rows {
		if !seen[r.Station] {
			seen[r.Station] = true
			out = append(out, r.Station)
		}
	}
	sort.Strings(out)
	return out
}

func forStation(rows []Comparison, station string) []Comparison {
	var out []Comparison
	for _, r := range rows {
		if r.Station == station {
			out = append(out, r)
		}
	}
	return out
}

// comparisonMAE returns the mean absolute error over rows, or false if there
// are none.
func comparisonMAE(rows []Comparison) (float64, bool) {
	if len(rows) == 0 {
		return 0, false
	}
	actual := make([]float64, len(rows))
	pred := make([]float64, len(rows))
	for i, r := range rows {
		actual[i] = float64(r.Actual)
		pred[i] = r.Prediction
	}
	mae, err := forecast.MAE(actual, pred)
	if err != nil {
		return 0, false
	}
	return mae, true
}

// latestPerStation returns the prediction for each station's newest hour.
func latestPerStation(preds []models.ForecastResult) []models.ForecastResult {
	byStation := make(map[string]models.ForecastResult)
	for _, p := range preds {
		cur, ok := byStation[p.StationID]
		if !ok || p.Hour.After(cur.Hour) || (p.Hour.Equal(cur.Hour) && p.PredictionTime.After(cur.PredictionTime)) {
			byStation[p.StationID] = p
		}
	}
	out := make([]models.ForecastResult, 0, len(byStation))
	for _, p := range byStation {
		out = append(out, p)
	}
	sortForecasts(out)
	return out
}

func sortForecasts(preds []models.ForecastResult) {
	sort.Slice(preds, func(i, j int) bool {
		if preds[i].StationID != preds[j].StationID {
			return preds[i].StationID < preds[j].StationID
		}
		return preds[i].Hour.Before(preds[j].Hour)
	})
}
