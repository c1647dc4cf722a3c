package api

import (
	"net/http"
	"net/url"

	"github.com/lox/bikecast/internal/models"
	"github.com/lox/bikecast/internal/tracker"
)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	rows, err := s.comparisons(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := IndexData{Stations: stationsOf(rows)}
	data.Station = r.URL.Query().Get("station")
	if data.Station == "" && len(data.Stations) > 0 {
		data.Station = data.Stations[0]
	}
	data.Rows = forStation(rows, data.Station)
	data.MAE, data.HasMAE = comparisonMAE(data.Rows)
	if data.Station != "" {
		data.ChartURL = "/chart/predictions.png?station=" + url.QueryEscape(data.Station)
	}

	s.render(w, "index.html", data)
}

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runs, err := s.recentRuns(r, s.cfg.Experiment, monitoredRuns, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := MonitoringData{Experiment: s.cfg.Experiment, Model: s.cfg.Model}
	for _, run := range runs {
		data.Runs = append(data.Runs, newRunView(run))
	}

	if s.summarizer.Enabled() && len(runs) > 0 {
		summary, err := s.summarizer.Summarize(ctx, s.cfg.Experiment, runs)
		if err != nil {
			s.log.WithError(err).Warn("summarize runs")
		}
		data.Summary = summary
	}

	if data.Versions, err = s.store.ListModelVersions(ctx, s.project.Name(), s.cfg.Model); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if data.Pipelines, err = s.store.GetRecentPipelineRuns(ctx, 20); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if data.Health, err = s.store.GetPipelineHealth(ctx, 7); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.render(w, "monitoring.html", data)
}

// recentRuns searches an experiment's runs, newest first unless order says
// otherwise.
func (s *Server) recentRuns(r *http.Request, experiment string, limit int, order string) ([]models.RunRecord, error) {
	tr := tracker.NewWithStore(s.store, experiment, s.log)
	return tr.SearchRuns(r.Context(), tracker.SearchOptions{OrderBy: order, Limit: limit})
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
		s.log.WithError(err).WithField("template", name).Error("render template")
	}
}
