package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/models"
)

const DefaultInferSchedule = "@hourly"

// Scheduler runs inference on a cron schedule while the dashboards are served.
type Scheduler struct {
	cron    *cron.Cron
	runner  *Runner
	cfg     InferConfig
	timeout time.Duration
	infer   func(ctx context.Context) ([]models.ForecastResult, error)
	log     logrus.FieldLogger
}

// NewScheduler validates spec (standard five field cron or a descriptor such
// as @hourly) and registers the inference job. A tick that arrives while the
// previous inference is still running is skipped.
func NewScheduler(runner *Runner, spec string, cfg InferConfig, log logrus.FieldLogger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultInferSchedule
	}
	log = log.WithField("component", "scheduler")
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log))),
		),
		runner:  runner,
		cfg:     cfg,
		timeout: 10 * time.Minute,
		log:     log,
	}
	s.infer = func(ctx context.Context) ([]models.ForecastResult, error) {
		return s.runner.Infer(ctx, s.cfg)
	}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("%w: invalid schedule %q: %v", models.ErrValidation, spec, err)
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	preds, err := s.infer(ctx)
	if err != nil {
		s.log.WithError(err).Error("scheduled inference failed")
		return
	}
	s.log.WithField("predictions", len(preds)).Info("scheduled inference finished")
}

// Next returns when inference will next run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running job to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	s.log.WithField("next", s.Next()).Info("scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}
