package featurestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lox/bikecast/internal/metrics"
	"github.com/lox/bikecast/internal/models"
	"github.com/lox/bikecast/internal/store"
)

var ErrModelNotFound = errors.New("model not found")

// Registry stores versioned model artifacts for a project.
type Registry struct {
	p *Project
}

func (p *Project) Models() *Registry {
	return &Registry{p: p}
}

// ModelSpec describes a model to register.
type ModelSpec struct {
	Name         string
	Description  string
	Metrics      map[string]float64
	InputExample map[string]float64
	Features     []string
	Artifact     []byte
}

// ModelVersion is a registered model.
type ModelVersion struct {
	Name         string
	Version      int
	Description  string
	Metrics      map[string]float64
	InputExample map[string]float64
	Features     []string
	Artifact     []byte
	ArtifactHash string
	CreatedAt    time.Time
}

// CreateModel registers spec under the next version of its name.
func (r *Registry) CreateModel(ctx context.Context, spec ModelSpec) (*ModelVersion, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: model name is required", models.ErrValidation)
	}
	if len(spec.Artifact) == 0 {
		return nil, fmt.Errorf("%w: model %s has no artifact", models.ErrValidation, spec.Name)
	}

	metricsJSON, err := json.Marshal(orEmpty(spec.Metrics))
	if err != nil {
		return nil, fmt.Errorf("encode metrics: %w", err)
	}
	exampleJSON, err := json.Marshal(orEmpty(spec.InputExample))
	if err != nil {
		return nil, fmt.Errorf("encode input example: %w", err)
	}
	features := spec.Features
	if features == nil {
		features = []string{}
	}
	schemaJSON, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("encode features: %w", err)
	}

	version, err := r.p.store.CreateModelVersion(ctx, store.RegisteredModel{
		Project:      r.p.name,
		Name:         spec.Name,
		Description:  spec.Description,
		Metrics:      string(metricsJSON),
		InputExample: string(exampleJSON),
		Schema:       string(schemaJSON),
		Artifact:     spec.Artifact,
	})
	metrics.ObserveExternal(service, "create_model", err)
	if err != nil {
		return nil, models.External(service, "create_model", err)
	}
	r.p.log.WithField("model", spec.Name).WithField("version", version).Info("registered model")
	return r.GetModel(ctx, spec.Name, version)
}

// GetModel returns a specific version of a model, or ErrModelNotFound.
func (r *Registry) GetModel(ctx context.Context, name string, version int) (*ModelVersion, error) {
	if version < 1 {
		return nil, fmt.Errorf("%w: model version must be positive", models.ErrValidation)
	}
	return r.get(ctx, name, version)
}

// LatestModel returns the highest version of a model, or ErrModelNotFound.
func (r *Registry) LatestModel(ctx context.Context, name string) (*ModelVersion, error) {
	return r.get(ctx, name, 0)
}

func (r *Registry) get(ctx context.Context, name string, version int) (*ModelVersion, error) {
	m, err := r.p.store.GetModelVersion(ctx, r.p.name, name, version)
	metrics.ObserveExternal(service, "get_model", err)
	if err != nil {
		return nil, models.External(service, "get_model", err)
	}
	if m == nil {
		if version == 0 {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
		}
		return nil, fmt.Errorf("%w: %s v%d", ErrModelNotFound, name, version)
	}

	mv := &ModelVersion{
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Artifact:     m.Artifact,
		ArtifactHash: m.ArtifactHash,
		CreatedAt:    m.CreatedAt,
	}
	if err := json.Unmarshal([]byte(m.Metrics), &mv.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics of %s v%d: %w", name, m.Version, err)
	}
	if err := json.Unmarshal([]byte(m.InputExample), &mv.InputExample); err != nil {
		return nil, fmt.Errorf("decode input example of %s v%d: %w", name, m.Version, err)
	}
	if err := json.Unmarshal([]byte(m.Schema), &mv.Features); err != nil {
		return nil, fmt.Errorf("decode features of %s v%d: %w", name, m.Version, err)
	}
	return mv, nil
}

func orEmpty(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}
