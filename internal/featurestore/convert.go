package featurestore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lox/bikecast/internal/models"
)

// Column names shared by the trip feature groups.
const (
	ColStation        = "start_station_name"
	ColHour           = "datetime"
	ColTripCount      = "trip_count"
	ColPrediction     = "prediction"
	ColPredictionTime = "prediction_time"
)

var (
	HourlyTrips = Spec{
		Name:        "citibike_hourly_trips",
		Version:     1,
		PrimaryKey:  []string{ColStation, ColHour},
		EventTime:   ColHour,
		Description: "Hourly Citi Bike trip counts per station",
	}
	LagFeatures = Spec{
		Name:        "citibike_lag_features",
		Version:     1,
		PrimaryKey:  []string{ColStation, ColHour},
		EventTime:   ColHour,
		Description: "Lag features (1-28 hours) for trip prediction",
	}
	Predictions = Spec{
		Name:        "citibike_predictions",
		Version:     1,
		PrimaryKey:  []string{ColStation, ColHour},
		EventTime:   ColPredictionTime,
		Description: "Predicted hourly trip counts per station",
	}
)

// HourlyTable converts hourly counts into a table.
func HourlyTable(records []models.HourlyCount) (*Table, error) {
	t := NewTable(
		Column{Name: ColStation, Type: String},
		Column{Name: ColHour, Type: Timestamp},
		Column{Name: ColTripCount, Type: Bigint},
	)
	for _, r := range records {
		if err := t.Append(r.StationID, r.Hour, r.TripCount); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// HourlyFromTable converts a table back into hourly counts sorted by
// (station, hour).
func HourlyFromTable(t *Table) ([]models.HourlyCount, error) {
	if len(t.Columns) == 0 {
		return nil, nil
	}
	station, hour, count, err := indexes(t, ColStation, ColHour, ColTripCount)
	if err != nil {
		return nil, err
	}
	out := make([]models.HourlyCount, 0, len(t.Rows))
	for _, row := range t.Rows {
		out = append(out, models.HourlyCount{
			StationID: row[station].(string),
			Hour:      row[hour].(time.Time),
			TripCount: int(row[count].(int64)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StationID != out[j].StationID {
			return out[i].StationID < out[j].StationID
		}
		return out[i].Hour.Before(out[j].Hour)
	})
	return out, nil
}

// LagTable converts lagged records into a table with one lag_k column per offset.
func LagTable(records []models.LaggedRecord, offsets []int) (*Table, error) {
	cols := []Column{
		{Name: ColStation, Type: String},
		{Name: ColHour, Type: Timestamp},
		{Name: ColTripCount, Type: Bigint},
	}
	for _, k := range offsets {
		cols = append(cols, Column{Name: models.LagColumn(k), Type: Bigint})
	}
	t := NewTable(cols...)
	for _, r := range records {
		values := []any{r.StationID, r.Hour, r.TripCount}
		for _, k := range offsets {
			v, ok := r.Lags[k]
			if !ok {
				return nil, fmt.Errorf("%w: %s at %s has no %s", models.ErrValidation, r.StationID, r.Hour.Format(time.RFC3339), models.LagColumn(k))
			}
			values = append(values, v)
		}
		if err := t.Append(values...); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// LaggedFromTable converts a lag feature table back into lagged records sorted
// by (station, hour), returning the lag offsets found in the table.
func LaggedFromTable(t *Table) ([]models.LaggedRecord, []int, error) {
	if len(t.Columns) == 0 {
		return nil, nil, nil
	}
	station, hour, count, err := indexes(t, ColStation, ColHour, ColTripCount)
	if err != nil {
		return nil, nil, err
	}

	lagIdx := make(map[int]int)
	var offsets []int
	for i, c := range t.Columns {
		k, ok := parseLagColumn(c.Name)
		if !ok {
			continue
		}
		if c.Type != Bigint {
			return nil, nil, fmt.Errorf("%w: column %s is %s, want %s", models.ErrSchema, c.Name, c.Type, Bigint)
		}
		lagIdx[k] = i
		offsets = append(offsets, k)
	}
	if len(offsets) == 0 {
		return nil, nil, fmt.Errorf("%w: table has no lag columns", models.ErrSchema)
	}
	sort.Ints(offsets)

	out := make([]models.LaggedRecord, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := models.LaggedRecord{
			HourlyCount: models.HourlyCount{
				StationID: row[station].(string),
				Hour:      row[hour].(time.Time),
				TripCount: int(row[count].(int64)),
			},
			Lags: make(map[int]int, len(offsets)),
		}
		for k, i := range lagIdx {
			rec.Lags[k] = int(row[i].(int64))
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StationID != out[j].StationID {
			return out[i].StationID < out[j].StationID
		}
		return out[i].Hour.Before(out[j].Hour)
	})
	return out, offsets, nil
}

// PredictionTable converts forecast results into a table.
func PredictionTable(results []models.ForecastResult) (*Table, error) {
	t := NewTable(
		Column{Name: ColStation, Type: String},
		Column{Name: ColHour, Type: Timestamp},
		Column{Name: ColPrediction, Type: Double},
		Column{Name: ColPredictionTime, Type: Timestamp},
	)
	for _, r := range results {
		if err := t.Append(r.StationID, r.Hour, r.Prediction, r.PredictionTime); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// PredictionsFromTable converts a predictions table back into results sorted
// by station, hour and prediction time.
func PredictionsFromTable(t *Table) ([]models.ForecastResult, error) {
	if len(t.Columns) == 0 {
		return nil, nil
	}
	station, hour, pred, err := indexes(t, ColStation, ColHour, ColPrediction)
	if err != nil {
		return nil, err
	}
	at, err := column(t, Column{Name: ColPredictionTime, Type: Timestamp})
	if err != nil {
		return nil, err
	}
	out := make([]models.ForecastResult, 0, len(t.Rows))
	for _, row := range t.Rows {
		out = append(out, models.ForecastResult{
			StationID:      row[station].(string),
			Hour:           row[hour].(time.Time),
			Prediction:     row[pred].(float64),
			PredictionTime: row[at].(time.Time),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.StationID != b.StationID {
			return a.StationID < b.StationID
		}
		if !a.Hour.Equal(b.Hour) {
			return a.Hour.Before(b.Hour)
		}
		return a.PredictionTime.Before(b.PredictionTime)
	})
	return out, nil
}

// indexes locates the station and hour columns plus a third value column,
// checking their types so row values can be asserted safely.
func indexes(t *Table, station, hour, value string) (int, int, int, error) {
	want := []Column{
		{Name: station, Type: String},
		{Name: hour, Type: Timestamp},
		{Name: value, Type: Bigint},
	}
	if value == ColPrediction {
		want[2].Type = Double
	}
	var idx [3]int
	for i, c := range want {
		var err error
		if idx[i], err = column(t, c); err != nil {
			return 0, 0, 0, err
		}
	}
	return idx[0], idx[1], idx[2], nil
}

func column(t *Table, want Column) (int, error) {
	i := t.Index(want.Name)
	if i < 0 {
		return 0, fmt.Errorf("%w: table has no %s column", models.ErrSchema, want.Name)
	}
	if t.Columns[i].Type != want.Type {
		return 0, fmt.Errorf("%w: column %s is %s, want %s", models.ErrSchema, want.Name, t.Columns[i].Type, want.Type)
	}
	return i, nil
}

func parseLagColumn(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "lag_")
	if !ok {
		return 0, false
	}
	k, err := strconv.Atoi(rest)
	if err != nil || k <= 0 {
		return 0, false
	}
	return k, true
}
