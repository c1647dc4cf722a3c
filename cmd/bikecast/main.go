// Command bikecast fetches Citi Bike trip data, builds lag features, trains
// and runs the hourly trip forecaster and serves its dashboards.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/bikecast/internal/featurestore"
	"github.com/lox/bikecast/internal/metrics"
	"github.com/lox/bikecast/internal/pipeline"
	"github.com/lox/bikecast/internal/store"
)

type Globals struct {
	EnvFile     kongdotenv.ENVFileConfig `name:"env-file" optional:"" help:"Load environment variables from this .env file."`
	LogLevel    string                   `default:"info" enum:"debug,info,warn,error" env:"BIKECAST_LOG_LEVEL" help:"Log level."`
	DB          string                   `default:"data/bikecast.db" env:"BIKECAST_DB" help:"SQLite database holding features, models and runs."`
	Project     string                   `default:"citibike" env:"BIKECAST_PROJECT" help:"Feature store project."`
	Pushgateway string                   `env:"BIKECAST_PUSHGATEWAY" help:"Prometheus Pushgateway URL for batch command metrics."`
}

type CLI struct {
	Globals

	Fetch     FetchCmd     `cmd:"" help:"Download, clean and filter monthly trip archives."`
	Aggregate AggregateCmd `cmd:"" help:"Aggregate processed trips into hourly station counts."`
	Features  FeaturesCmd  `cmd:"" help:"Build lag features from the hourly counts."`
	Train     TrainCmd     `cmd:"" help:"Train, evaluate and register a forecaster."`
	Infer     InferCmd     `cmd:"" help:"Predict the next hour for every station."`
	Backfill  BackfillCmd  `cmd:"" help:"Predict every hour in a past range."`
	Serve     ServeCmd     `cmd:"" help:"Serve the dashboards and run scheduled inference."`
}

// app holds the collaborators shared by every command.
type app struct {
	store   *store.Store
	project *featurestore.Project
	runner  *pipeline.Runner
	log     *logrus.Logger
}

func (g *Globals) open(ctx context.Context, log *logrus.Logger) (*app, error) {
	st, err := store.Open(ctx, g.DB, log)
	if err != nil {
		return nil, err
	}
	project := featurestore.NewProject(st, g.Project, log)
	return &app{
		store:   st,
		project: project,
		runner:  pipeline.New(st, project, log),
		log:     log,
	}, nil
}

// Close waits for outstanding feature store writes before closing the store.
func (a *app) Close() error {
	perr := a.project.Close()
	if err := a.store.Close(); err != nil && perr == nil {
		return err
	}
	return perr
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("bikecast"),
		kong.Description("Hourly Citi Bike trip demand forecasting."),
		kong.UsageOnError(),
	)
	log := newLogger(cli.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := cli.open(ctx, log)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	runErr := kctx.Run(a)
	if err := a.Close(); err != nil {
		log.WithError(err).Error("close")
		if runErr == nil {
			runErr = err
		}
	}

	command := strings.Fields(kctx.Command())[0]
	if command != "serve" {
		if err := metrics.Push(cli.Pushgateway, "bikecast_"+command); err != nil {
			log.WithError(err).Warn("push metrics")
		}
	}

	if runErr != nil {
		log.WithError(runErr).WithField("command", command).Error("command failed")
		os.Exit(1)
	}
}
