package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bikecast_pipeline_runs_total",
			Help: "Total pipeline runs by pipeline and final status",
		},
		[]string{"pipeline", "status"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bikecast_pipeline_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"pipeline"},
	)

	ArchiveDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bikecast_archive_downloads_total",
			Help: "Total trip archive download attempts",
		},
		[]string{"scheme", "status"},
	)

	ArchiveDownloadLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bikecast_archive_download_latency_seconds",
			Help:    "Trip archive download latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)

	TripsCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bikecast_trips_cleaned_total",
			Help: "Total trips kept after cleaning",
		},
	)

	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bikecast_feature_rows_written_total",
			Help: "Total rows inserted into feature groups",
		},
		[]string{"feature_group"},
	)

	ExternalCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bikecast_external_calls_total",
			Help: "Total calls to the feature store and experiment tracker",
		},
		[]string{"service", "op", "status"},
	)

	ModelMAE = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bikecast_model_mae",
			Help: "Mean absolute error of the latest trained model on its test split",
		},
		[]string{"station", "model"},
	)

	PredictionsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bikecast_predictions_generated_total",
			Help: "Total predictions computed",
		},
		[]string{"pipeline"},
	)

	PredictionsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bikecast_predictions_published_total",
			Help: "Total predictions published to Redis",
		},
	)
)

// ObserveExternal records the outcome of an external service call.
func ObserveExternal(service, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ExternalCallsTotal.WithLabelValues(service, op, status).Inc()
}
