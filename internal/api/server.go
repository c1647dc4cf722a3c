// Package api serves the prediction and monitoring dashboards.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/chart"
	"github.com/lox/bikecast/internal/featurestore"
	"github.com/lox/bikecast/internal/narrative"
	"github.com/lox/bikecast/internal/publish"
	"github.com/lox/bikecast/internal/store"
)

const (
	DefaultAddr       = ":8080"
	DefaultExperiment = "citibike_trip_prediction_lag28"
	DefaultModel      = "citibike_lag28_gbrt"
	DefaultChartTTL   = 5 * time.Minute

	// monitoredRuns is how many tracker runs the monitoring page shows.
	monitoredRuns = 10
)

type Config struct {
	Addr string
	// Experiment whose runs the monitoring page shows.
	Experiment string
	// Model is the registered model whose versions are listed.
	Model    string
	ChartTTL time.Duration
}

// LatestSource serves the most recent prediction per station, typically the
// Redis cache written by inference.
type LatestSource interface {
	Latest(ctx context.Context) ([]publish.Message, error)
}

type Server struct {
	store      *store.Store
	project    *featurestore.Project
	cfg        Config
	tmpl       *template.Template
	charts     *chart.Cache
	latest     LatestSource
	summarizer *narrative.Summarizer
	log        logrus.FieldLogger
}

func NewServer(st *store.Store, project *featurestore.Project, cfg Config, log logrus.FieldLogger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Experiment == "" {
		cfg.Experiment = DefaultExperiment
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.ChartTTL <= 0 {
		cfg.ChartTTL = DefaultChartTTL
	}
	return &Server{
		store:   st,
		project: project,
		cfg:     cfg,
		tmpl:    newTemplates(),
		charts:  chart.NewCache(cfg.ChartTTL),
		log:     log.WithField("component", "api"),
	}
}

// SetLatestSource makes /api/latest read from src instead of the store.
func (s *Server) SetLatestSource(src LatestSource) {
	s.latest = src
}

// SetSummarizer enables the run summary on the monitoring page.
func (s *Server) SetSummarizer(sum *narrative.Summarizer) {
	s.summarizer = sum
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/monitoring", s.handleMonitoring)
	mux.HandleFunc("/chart/predictions.png", s.handlePredictionChart)
	mux.HandleFunc("/chart/mae.png", s.handleMAEChart)
	mux.HandleFunc("/api/predictions", s.handleAPIPredictions)
	mux.HandleFunc("/api/runs", s.handleAPIRuns)
	mux.HandleFunc("/api/latest", s.handleAPILatest)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("shutdown")
		}
	}()

	s.log.WithField("addr", s.cfg.Addr).Info("serving dashboards")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type groupHealth struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Rows    int    `json:"rows"`
}

type archiveHealth struct {
	Count       int    `json:"count"`
	SizeBytes   int64  `json:"size_bytes"`
	OldestMonth string `json:"oldest_month,omitempty"`
	NewestMonth string `json:"newest_month,omitempty"`
}

type healthStatus struct {
	Status        string         `json:"status"`
	Error         string         `json:"error,omitempty"`
	FeatureGroups []groupHealth  `json:"feature_groups,omitempty"`
	Archives      *archiveHealth `json:"archives,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := healthStatus{Status: "ok"}
	if err := s.store.Ping(r.Context()); err != nil {
		health.Status = "error"
		health.Error = err.Error()
	} else if groups, err := s.project.FeatureGroups(r.Context()); err != nil {
		health.Status = "error"
		health.Error = err.Error()
	} else if stats, err := s.store.GetArchiveStats(r.Context()); err != nil {
		health.Status = "error"
		health.Error = err.Error()
	} else {
		for _, g := range groups {
			n, err := g.Count(r.Context())
			if err != nil {
				health.Status = "error"
				health.Error = err.Error()
				break
			}
			health.FeatureGroups = append(health.FeatureGroups, groupHealth{Name: g.Name(), Version: g.Version(), Rows: n})
		}
		health.Archives = &archiveHealth{
			Count:       stats.TotalCount,
			SizeBytes:   stats.TotalSizeBytes,
			OldestMonth: stats.OldestMonth,
			NewestMonth: stats.NewestMonth,
		}
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("write response")
	}
}
