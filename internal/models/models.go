package models

import (
	"fmt"
	"time"
)

// HourlyCount is the number of trips that started at a station within one hour.
type HourlyCount struct {
	StationID string
	Hour      time.Time // UTC, truncated to the hour
	TripCount int
}

// LaggedRecord is an HourlyCount extended with the counts observed at fixed
// prior offsets (in hours) for the same station.
type LaggedRecord struct {
	HourlyCount
	Lags map[int]int
}

// LagColumn returns the feature column name for a lag offset.
func LagColumn(offset int) string {
	return fmt.Sprintf("lag_%d", offset)
}

type ForecastResult struct {
	StationID      string
	Hour           time.Time
	Prediction     float64
	PredictionTime time.Time
}

// Trip is a single cleaned ride from the monthly trip archives.
type Trip struct {
	RideID       string
	RideableType string
	StartedAt    time.Time
	EndedAt      time.Time
	StartStation string
	EndStation   string
	MemberCasual string
}

// DurationMinutes returns the trip length in minutes.
func (t Trip) DurationMinutes() float64 {
	return t.EndedAt.Sub(t.StartedAt).Minutes()
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord is a tracked training run as returned by run searches.
type RunRecord struct {
	RunID      string
	Experiment string
	Status     RunStatus
	StartTime  time.Time
	EndTime    *time.Time
	Metrics    map[string]float64
	Error      string
}

// Metric returns the named metric and whether it was logged.
func (r RunRecord) Metric(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}
