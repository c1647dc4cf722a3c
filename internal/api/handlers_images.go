package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lox/bikecast/internal/chart"
)

// handlePredictionChart draws predicted against actual trips for a station.
func (s *Server) handlePredictionChart(w http.ResponseWriter, r *http.Request) {
	station := r.URL.Query().Get("station")
	if station == "" {
		http.Error(w, "station is required", http.StatusBadRequest)
		return
	}

	data, err := s.charts.GetOrRender("predictions:"+station, func() ([]byte, error) {
		rows, err := s.comparisons(r.Context())
		if err != nil {
			return nil, err
		}
		rows = forStation(rows, station)
		actual := chart.Series{Name: "Actual"}
		predicted := chart.Series{Name: "Predicted"}
		for _, row := range rows {
			actual.Points = append(actual.Points, chart.Point{X: row.Hour, Y: float64(row.Actual)})
			predicted.Points = append(predicted.Points, chart.Point{X: row.Hour, Y: row.Prediction})
		}
		return chart.LineChart(chart.Options{
			Title:  "Hourly trips at " + station,
			YLabel: "trips",
		}, actual, predicted)
	})
	s.servePNG(w, data, err)
}

// handleMAEChart draws the MAE of the experiment's recent runs over time.
func (s *Server) handleMAEChart(w http.ResponseWriter, r *http.Request) {
	experiment := r.URL.Query().Get("experiment")
	if experiment == "" {
		experiment = s.cfg.Experiment
	}

	data, err := s.charts.GetOrRender("mae:"+experiment, func() ([]byte, error) {
		runs, err := s.recentRuns(r, experiment, monitoredRuns, "")
		if err != nil {
			return nil, err
		}
		series := chart.Series{Name: "MAE"}
		for _, run := range runs {
			if mae, ok := run.Metric("mae"); ok {
				series.Points = append(series.Points, chart.Point{X: run.StartTime, Y: mae})
			}
		}
		return chart.LineChart(chart.Options{
			Title:  fmt.Sprintf("MAE of the last %d runs of %s", monitoredRuns, experiment),
			YLabel: "mae",
		}, series)
	})
	s.servePNG(w, data, err)
}

func (s *Server) servePNG(w http.ResponseWriter, data []byte, err error) {
	if errors.Is(err, chart.ErrNoData) {
		http.Error(w, "no data to chart", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithError(err).Error("render chart")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(s.cfg.ChartTTL/time.Second)))
	if _, err := w.Write(data); err != nil {
		s.log.WithError(err).Warn("write chart")
	}
}
