// Package featurestore provides a project-scoped feature store and model
// registry on top of the SQLite store. Feature groups are versioned tables
// identified by (name, version) with a declared primary key and event time.
package featurestore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/metrics"
	"github.com/lox/bikecast/internal/models"
	"github.com/lox/bikecast/internal/store"
)

const service = "featurestore"

var (
	ErrNotFound       = errors.New("feature group not found")
	ErrSchemaConflict = fmt.Errorf("%w: feature group schema conflict", models.ErrSchema)
)

// Config identifies the store and the project to log in to.
type Config struct {
	Path    string
	Project string
}

// Project is a logged-in session scoped to one project. Close waits for any
// fire-and-forget inserts still in flight.
type Project struct {
	name  string
	store *store.Store
	owned bool
	log   logrus.FieldLogger

	jobs     sync.WaitGroup
	mu       sync.Mutex
	asyncErr []error
}

// Connect opens the store at cfg.Path and logs in to cfg.Project.
func Connect(ctx context.Context, cfg Config, log logrus.FieldLogger) (*Project, error) {
	if cfg.Project == "" {
		return nil, models.External(service, "login", fmt.Errorf("%w: project name is required", models.ErrValidation))
	}
	if cfg.Path == "" {
		return nil, models.External(service, "login", fmt.Errorf("%w: store path is required", models.ErrValidation))
	}

	st, err := store.Open(ctx, cfg.Path, log)
	metrics.ObserveExternal(service, "login", err)
	if err != nil {
		return nil, models.External(service, "login", err)
	}
	p := NewProject(st, cfg.Project, log)
	p.owned = true
	return p, nil
}

// NewProject scopes an already open store to a project. The caller keeps
// ownership of st.
func NewProject(st *store.Store, project string, log logrus.FieldLogger) *Project {
	return &Project{
		name:  project,
		store: st,
		log:   log.WithField("project", project),
	}
}

func (p *Project) Name() string { return p.name }

// Close waits for pending insert jobs and releases the store if Connect
// opened it. Failures of fire-and-forget jobs are reported here.
func (p *Project) Close() error {
	p.jobs.Wait()

	p.mu.Lock()
	errs := p.asyncErr
	p.asyncErr = nil
	p.mu.Unlock()

	if p.owned {
		if err := p.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Spec declares a feature group.
type Spec struct {
	Name        string
	Version     int
	PrimaryKey  []string
	EventTime   string
	Description string
}

func (s Spec) validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: feature group name is required", models.ErrValidation)
	case s.Version < 1:
		return fmt.Errorf("%w: feature group version must be positive", models.ErrValidation)
	case len(s.PrimaryKey) == 0:
		return fmt.Errorf("%w: feature group %s needs a primary key", models.ErrValidation, s.Name)
	case s.EventTime == "":
		return fmt.Errorf("%w: feature group %s needs an event time column", models.ErrValidation, s.Name)
	}
	return nil
}

// GetOrCreateFeatureGroup returns the group, creating it from spec if it does
// not exist yet. An existing group keeps its original definition.
func (p *Project) GetOrCreateFeatureGroup(ctx context.Context, spec Spec) (*FeatureGroup, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	rec, err := p.store.CreateFeatureGroup(ctx, store.FeatureGroup{
		Project:     p.name,
		Name:        spec.Name,
		Version:     spec.Version,
		PrimaryKey:  spec.PrimaryKey,
		EventTime:   spec.EventTime,
		Description: spec.Description,
	})
	metrics.ObserveExternal(service, "get_or_create_feature_group", err)
	if err != nil {
		return nil, models.External(service, "get_or_create_feature_group", err)
	}
	return &FeatureGroup{p: p, rec: *rec}, nil
}

// GetFeatureGroup returns an existing group or ErrNotFound.
func (p *Project) GetFeatureGroup(ctx context.Context, name string, version int) (*FeatureGroup, error) {
	rec, err := p.store.GetFeatureGroup(ctx, p.name, name, version)
	metrics.ObserveExternal(service, "get_feature_group", err)
	if err != nil {
		return nil, models.External(service, "get_feature_group", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, name, version)
	}
	return &FeatureGroup{p: p, rec: *rec}, nil
}

// FeatureGroups lists the groups of the project.
func (p *Project) FeatureGroups(ctx context.Context) ([]*FeatureGroup, error) {
	recs, err := p.store.ListFeatureGroups(ctx, p.name)
	if err != nil {
		return nil, models.External(service, "list_feature_groups", err)
	}
	groups := make([]*FeatureGroup, len(recs))
	for i, r := range recs {
		groups[i] = &FeatureGroup{p: p, rec: r}
	}
	return groups, nil
}

func (p *Project) track(job *Job) {
	p.jobs.Add(1)
	go func() {
		defer p.jobs.Done()
		<-job.done
		if job.err != nil {
			p.mu.Lock()
			p.asyncErr = append(p.asyncErr, job.err)
			p.mu.Unlock()
		}
	}()
}
