package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/api"
	"github.com/lox/bikecast/internal/narrative"
	"github.com/lox/bikecast/internal/pipeline"
	"github.com/lox/bikecast/internal/publish"
	"github.com/lox/bikecast/internal/tripdata"
)

type FetchCmd struct {
	Start       string        `required:"" help:"First month to fetch (YYYY-MM)."`
	End         string        `required:"" help:"Last month to fetch (YYYY-MM)."`
	TopStations int           `default:"3" help:"Keep only the busiest N start stations."`
	Output      string        `default:"data/processed/citibike_trips.csv" type:"path" help:"Processed trips CSV."`
	BaseURL     string        `name:"base-url" env:"BIKECAST_TRIPDATA_URL" default:"https://s3.amazonaws.com/tripdata" help:"http(s) or ftp location of the monthly archives."`
	Retries     int           `default:"0" env:"BIKECAST_DOWNLOAD_RETRIES" help:"Extra attempts after a failed download."`
	Timeout     time.Duration `default:"5m" help:"Per-request download timeout."`
	Refresh     bool          `help:"Download archives even when cached."`
	Location    string        `default:"America/New_York" help:"Time zone of the archive timestamps."`
	KeepDays    int           `name:"keep-archives-days" default:"0" help:"Delete cached archives older than N days after fetching; 0 keeps them."`
}

func (c *FetchCmd) Run(ctx context.Context, a *app) error {
	start, err := parseMonth(c.Start)
	if err != nil {
		return err
	}
	end, err := parseMonth(c.End)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		return fmt.Errorf("load location %q: %w", c.Location, err)
	}

	dl := tripdata.NewDownloader(tripdata.Config{
		BaseURL: c.BaseURL,
		Retries: c.Retries,
		Timeout: c.Timeout,
		Refresh: c.Refresh,
	}, a.store, a.log)
	res, err := a.runner.Fetch(ctx, dl, pipeline.FetchConfig{
		Start:       start,
		End:         end,
		TopStations: c.TopStations,
		Output:      c.Output,
		Location:    loc,
	})
	if err != nil {
		return err
	}
	for _, st := range res.Stations {
		a.log.WithFields(logrus.Fields{"station": st.Station, "trips": st.Trips}).Info("top station")
	}
	a.log.WithFields(logrus.Fields{
		"months":  res.Months,
		"skipped": len(res.Skipped),
		"trips":   res.Trips,
		"output":  res.Output,
	}).Info("fetched trips")

	if c.KeepDays > 0 {
		n, err := a.store.CleanupOldArchives(ctx, c.KeepDays)
		if err != nil {
			return fmt.Errorf("clean up archives: %w", err)
		}
		a.log.WithField("deleted", n).Info("cleaned up cached archives")
	}
	return nil
}

type AggregateCmd struct {
	Input    string `default:"data/processed/citibike_trips.csv" type:"path" help:"Processed trips CSV."`
	Sparse   bool   `help:"Skip hours without trips instead of writing zero counts."`
}

func (c *AggregateCmd) Run(ctx context.Context, a *app) error {
	n, err := a.runner.Aggregate(ctx, pipeline.AggregateConfig{Input: c.Input, Sparse: c.Sparse})
	if err != nil {
		return err
	}
	a.log.WithField("rows", n).Info("wrote hourly counts")
	return nil
}

type FeaturesCmd struct {
	MaxLag int `default:"28" help:"Build lag_1 through lag_N."`
}

func (c *FeaturesCmd) Run(ctx context.Context, a *app) error {
	offsets := make([]int, 0, c.MaxLag)
	for k := 1; k <= c.MaxLag; k++ {
		offsets = append(offsets, k)
	}
	n, err := a.runner.Features(ctx, pipeline.FeaturesConfig{Offsets: offsets})
	if err != nil {
		return err
	}
	a.log.WithField("rows", n).Info("wrote lag features")
	return nil
}

type TrainCmd struct {
	Variant      string  `default:"gbrt" enum:"gbrt,linear,gbrt-top10" help:"Model variant to train."`
	Station      string  `help:"Station to train on; defaults to the first station."`
	TestFraction float64 `default:"0.2" help:"Share of each station's history held out for evaluation."`
	Artifact     string  `default:"models/best_model.json" type:"path" help:"Where to save the trained model; empty skips it."`
}

func (c *TrainCmd) Run(ctx context.Context, a *app) error {
	res, err := a.runner.Train(ctx, pipeline.TrainConfig{
		Variant:      c.Variant,
		Station:      c.Station,
		TestFraction: c.TestFraction,
		ArtifactPath: c.Artifact,
	})
	if err != nil {
		return err
	}
	fields := logrus.Fields{
		"variant": res.Variant,
		"station": res.Station,
		"run_id":  res.RunID,
		"mae":     res.MAE,
		"train":   res.TrainRows,
		"test":    res.TestRows,
	}
	if res.ModelName != "" {
		fields["model"] = fmt.Sprintf("%s v%d", res.ModelName, res.ModelVersion)
	}
	a.log.WithFields(fields).Info("trained model")
	return nil
}

// ModelFlags select the model used for predictions.
type ModelFlags struct {
	Model      string `default:"models/best_model.json" type:"path" help:"Model artifact written by train."`
	Registered string `env:"BIKECAST_MODEL" help:"Registered model name; takes precedence over --model."`
	Version    int    `help:"Registered model version; 0 means latest."`
}

func (m ModelFlags) source() pipeline.ModelSource {
	return pipeline.ModelSource{Path: m.Model, Name: m.Registered, Version: m.Version}
}

type RedisFlags struct {
	RedisURL     string `name:"redis-url" env:"BIKECAST_REDIS_URL" help:"Redis URL to publish predictions to."`
	RedisChannel string `name:"redis-channel" default:"bikecast:predictions" help:"Channel predictions are published on."`
	RedisLatest  string `name:"redis-latest-key" default:"bikecast:latest" help:"Hash holding the latest prediction per station."`
}

// connect returns nil when no Redis URL is configured.
func (r RedisFlags) connect(ctx context.Context, log logrus.FieldLogger) (*publish.Publisher, error) {
	if r.RedisURL == "" {
		return nil, nil
	}
	return publish.Connect(ctx, publish.Config{
		URL:       r.RedisURL,
		Channel:   r.RedisChannel,
		LatestKey: r.RedisLatest,
	}, log)
}

type InferCmd struct {
	ModelFlags `embed:""`
	RedisFlags `embed:""`
}

func (c *InferCmd) Run(ctx context.Context, a *app) error {
	pub, err := c.connect(ctx, a.log)
	if err != nil {
		return err
	}
	if pub != nil {
		defer pub.Close()
		a.runner.SetPublisher(pub)
	}

	preds, err := a.runner.Infer(ctx, pipeline.InferConfig{Model: c.source(), Publish: pub != nil})
	if err != nil {
		return err
	}
	for _, p := range preds {
		a.log.WithFields(logrus.Fields{
			"station":    p.StationID,
			"hour":       p.Hour.Format(time.RFC3339),
			"prediction": fmt.Sprintf("%.2f", p.Prediction),
		}).Info("prediction")
	}
	return nil
}

type BackfillCmd struct {
	ModelFlags `embed:""`

	Start string `required:"" help:"First hour to predict (RFC3339 or YYYY-MM-DD)."`
	End   string `help:"Last hour to predict; defaults to now."`
}

func (c *BackfillCmd) Run(ctx context.Context, a *app) error {
	start, err := parseHour(c.Start)
	if err != nil {
		return err
	}
	var end time.Time
	if c.End != "" {
		if end, err = parseHour(c.End); err != nil {
			return err
		}
	}
	res, err := a.runner.Backfill(ctx, pipeline.BackfillConfig{Model: c.source(), Start: start, End: end})
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"hours":       res.Hours,
		"skipped":     res.Skipped,
		"predictions": res.Predictions,
	}).Info("backfill finished")
	return nil
}

type ServeCmd struct {
	ModelFlags `embed:""`
	RedisFlags `embed:""`

	Addr       string        `default:":8080" env:"BIKECAST_ADDR" help:"Dashboard listen address."`
	Schedule   string        `env:"BIKECAST_SCHEDULE" help:"Cron spec for inference, e.g. @hourly; empty disables it."`
	Experiment string        `default:"citibike_trip_prediction_lag28" help:"Experiment shown on the monitoring page."`
	ChartTTL   time.Duration `default:"5m" help:"How long rendered charts are cached."`

	OpenAIKey     string        `name:"openai-api-key" env:"OPENAI_API_KEY" help:"Enables the run summary on the monitoring page."`
	OpenAIModel   string        `name:"openai-model" default:"gpt-4o-mini" env:"OPENAI_MODEL"`
	OpenAIBaseURL string        `name:"openai-base-url" env:"OPENAI_BASE_URL"`
	OpenAITimeout time.Duration `name:"openai-timeout" default:"30s"`
}

func (c *ServeCmd) Run(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := api.NewServer(a.store, a.project, api.Config{
		Addr:       c.Addr,
		Experiment: c.Experiment,
		ChartTTL:   c.ChartTTL,
	}, a.log)
	srv.SetSummarizer(narrative.New(narrative.Config{
		APIKey:  c.OpenAIKey,
		Model:   c.OpenAIModel,
		BaseURL: c.OpenAIBaseURL,
		Timeout: c.OpenAITimeout,
	}, a.log))

	pub, err := c.connect(ctx, a.log)
	if err != nil {
		return err
	}
	if pub != nil {
		defer pub.Close()
		srv.SetLatestSource(pub)
		a.runner.SetPublisher(pub)
	}

	var wg sync.WaitGroup
	if c.Schedule != "" {
		sched, err := pipeline.NewScheduler(a.runner, c.Schedule, pipeline.InferConfig{
			Model:   c.source(),
			Publish: pub != nil,
		}, a.log)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	}

	err = srv.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

func parseMonth(s string) (time.Time, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q, want YYYY-MM", s)
	}
	return t, nil
}

var hourLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02T15", "2006-01-02"}

func parseHour(s string) (time.Time, error) {
	for _, layout := range hourLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Hour), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q, want RFC3339 or YYYY-MM-DD", s)
}
