package api

import (
	"time"

	"github.com/lox/bikecast/internal/models"
	"github.com/lox/bikecast/internal/store"
)

// IndexData is the predictions dashboard for one station.
type IndexData struct {
	Stations []string
	Station  string
	Rows     []Comparison
	MAE      float64
	HasMAE   bool
	// ChartURL renders Rows as a line chart.
	ChartURL string
}

// RunView is one tracker run on the monitoring page.
type RunView struct {
	RunID     string     `json:"run_id"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	MAE       *float64   `json:"mae,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func newRunView(r models.RunRecord) RunView {
	v := RunView{
		RunID:     r.RunID,
		Status:    string(r.Status),
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Error:     r.Error,
	}
	if mae, ok := r.Metric("mae"); ok {
		v.MAE = &mae
	}
	return v
}

// Duration is how long the run took, or zero while it is running.
func (v RunView) Duration() time.Duration {
	if v.EndTime == nil {
		return 0
	}
	return v.EndTime.Sub(v.StartTime).Round(time.Millisecond)
}

// MonitoringData is the model monitoring dashboard.
type MonitoringData struct {
	Experiment string
	Runs       []RunView
	Summary    string
	Model      string
	Versions   []store.RegisteredModel
	Pipelines  []store.PipelineRun
	Health     []store.PipelineHealthSummary
}
