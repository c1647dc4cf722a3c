// Package tracker records training runs of an experiment: their status,
// metrics and model artifacts. Runs are scoped: WithRun always moves the run
// to a terminal status, whatever the callback does.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/metrics"
	"github.com/lox/bikecast/internal/models"
	"github.com/lox/bikecast/internal/store"
)

const service = "tracker"

// Config selects the backing store and the experiment runs are filed under.
type Config struct {
	Path       string
	Experiment string
}

type Tracker struct {
	store      *store.Store
	owned      bool
	experiment string
	log        logrus.FieldLogger
	now        func() time.Time
}

// New opens the store at cfg.Path.
func New(ctx context.Context, cfg Config, log logrus.FieldLogger) (*Tracker, error) {
	if cfg.Experiment == "" {
		return nil, fmt.Errorf("%w: experiment name is required", models.ErrValidation)
	}
	st, err := store.Open(ctx, cfg.Path, log)
	metrics.ObserveExternal(service, "connect", err)
	if err != nil {
		return nil, models.External(service, "connect", err)
	}
	t := NewWithStore(st, cfg.Experiment, log)
	t.owned = true
	return t, nil
}

// NewWithStore returns a tracker over an already open store owned by the caller.
func NewWithStore(st *store.Store, experiment string, log logrus.FieldLogger) *Tracker {
	return &Tracker{
		store:      st,
		experiment: experiment,
		log:        log.WithField("experiment", experiment),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) Experiment() string { return t.experiment }

func (t *Tracker) Close() error {
	if t.owned {
		return t.store.Close()
	}
	return nil
}

// Run is an active run handed to WithRun callbacks.
type Run struct {
	id string
	t  *Tracker
}

func (r *Run) ID() string { return r.id }

// LogMetric records the latest value of a metric.
func (r *Run) LogMetric(ctx context.Context, name string, value float64) error {
	err := r.t.store.LogRunMetric(ctx, r.id, name, value)
	metrics.ObserveExternal(service, "log_metric", err)
	if err != nil {
		return models.External(service, "log_metric", err)
	}
	r.t.log.WithFields(logrus.Fields{"run_id": r.id, "metric": name, "value": value}).Debug("logged metric")
	return nil
}

// LogModel attaches a serialized model to the run under name.
func (r *Run) LogModel(ctx context.Context, name string, artifact []byte) error {
	if len(artifact) == 0 {
		return fmt.Errorf("%w: model %s has no artifact", models.ErrValidation, name)
	}
	err := r.t.store.LogRunModel(ctx, r.id, name, artifact)
	metrics.ObserveExternal(service, "log_model", err)
	if err != nil {
		return models.External(service, "log_model", err)
	}
	return nil
}

// WithRun starts a run, calls fn and ends the run as succeeded if fn returns
// nil, failed otherwise. A panic in fn marks the run failed and is re-raised.
func (t *Tracker) WithRun(ctx context.Context, fn func(*Run) error) error {
	run, err := t.start(ctx)
	if err != nil {
		return err
	}
	log := t.log.WithField("run_id", run.id)
	log.Info("started run")

	finish := func(status models.RunStatus, msg string) error {
		// the run must be closed even if the caller's context is done
		endErr := t.store.EndRun(context.WithoutCancel(ctx), run.id, status, t.now(), msg)
		metrics.ObserveExternal(service, "end_run", endErr)
		if endErr != nil {
			return models.External(service, "end_run", endErr)
		}
		log.WithField("status", status).Info("ended run")
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			if endErr := finish(models.RunFailed, fmt.Sprintf("panic: %v", p)); endErr != nil {
				log.WithError(endErr).Error("failed to end run after panic")
			}
			panic(p)
		}
	}()

	if fnErr := fn(run); fnErr != nil {
		if endErr := finish(models.RunFailed, fnErr.Error()); endErr != nil {
			log.WithError(endErr).Error("failed to end run")
		}
		return fnErr
	}
	return finish(models.RunSucceeded, "")
}

func (t *Tracker) start(ctx context.Context) (*Run, error) {
	run := &Run{id: uuid.NewString(), t: t}
	expID, err := t.store.EnsureExperiment(ctx, t.experiment)
	if err == nil {
		err = t.store.StartRun(ctx, expID, run.id, t.now())
	}
	metrics.ObserveExternal(service, "start_run", err)
	if err != nil {
		return nil, models.External(service, "start_run", err)
	}
	return run, nil
}

// SearchOptions filters and orders a run search.
type SearchOptions struct {
	// OrderBy is "<field> [ASC|DESC]" where field is start_time, end_time or
	// metrics.<name>. Empty means "start_time DESC".
	OrderBy string
	// Limit caps the number of runs; zero returns every run.
	Limit int
}

// SearchRuns returns the experiment's runs in the requested order.
func (t *Tracker) SearchRuns(ctx context.Context, opts SearchOptions) ([]models.RunRecord, error) {
	order, err := ParseOrderBy(opts.OrderBy)
	if err != nil {
		return nil, err
	}
	runs, err := t.store.SearchRuns(ctx, t.experiment, order, opts.Limit)
	metrics.ObserveExternal(service, "search_runs", err)
	if err != nil {
		return nil, models.External(service, "search_runs", err)
	}
	return runs, nil
}

// RunModel returns an artifact logged by a run, or nil.
func (t *Tracker) RunModel(ctx context.Context, runID, name string) ([]byte, error) {
	data, err := t.store.GetRunModel(ctx, runID, name)
	if err != nil {
		return nil, models.External(service, "get_model", err)
	}
	return data, nil
}

// ParseOrderBy parses an order clause such as "start_time DESC" or
// "metrics.mae ASC".
func ParseOrderBy(s string) (store.RunOrder, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return store.RunOrder{Field: "start_time", Desc: true}, nil
	}
	if len(fields) > 2 {
		return store.RunOrder{}, fmt.Errorf("%w: invalid order %q", models.ErrValidation, s)
	}

	var order store.RunOrder
	if len(fields) == 2 {
		switch strings.ToUpper(fields[1]) {
		case "ASC":
		case "DESC":
			order.Desc = true
		default:
			return store.RunOrder{}, fmt.Errorf("%w: invalid order direction %q", models.ErrValidation, fields[1])
		}
	}

	switch name := fields[0]; {
	case strings.HasPrefix(name, "metrics."):
		order.Metric = strings.TrimPrefix(name, "metrics.")
		if order.Metric == "" {
			return store.RunOrder{}, fmt.Errorf("%w: empty metric in order %q", models.ErrValidation, s)
		}
	case name == "start_time" || name == "end_time":
		order.Field = name
	default:
		return store.RunOrder{}, fmt.Errorf("%w: cannot order runs by %q", models.ErrValidation, name)
	}
	return order, nil
}
