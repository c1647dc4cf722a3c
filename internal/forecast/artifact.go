package forecast

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lox/bikecast/internal/models"
)

const artifactFormat = 1

type artifact struct {
	Format   int             `json:"format"`
	Kind     string          `json:"kind"`
	Station  string          `json:"station,omitempty"`
	Features []string        `json:"features"`
	Model    json.RawMessage `json:"model"`
}

type gbrtState struct {
	Config     GBRTConfig `json:"config"`
	Base       float64    `json:"base"`
	Trees      []tree     `json:"trees"`
	Importance []int      `json:"importance"`
}

type linearState struct {
	Intercept float64   `json:"intercept"`
	Coef      []float64 `json:"coef"`
}

// Marshal serializes a fitted regressor.
func Marshal(r Regressor) ([]byte, error) {
	return MarshalStation("", r)
}

// MarshalStation serializes a fitted regressor labelled with the station it
// was trained for.
func MarshalStation(station string, r Regressor) ([]byte, error) {
	if len(r.Features()) == 0 {
		return nil, ErrNotFitted
	}
	var state any
	switch m := r.(type) {
	case *GradientBoosting:
		state = gbrtState{Config: m.cfg, Base: m.base, Trees: m.trees, Importance: m.importance}
	case *LinearRegression:
		state = linearState{Intercept: m.intercept, Coef: m.coef}
	default:
		return nil, fmt.Errorf("%w: cannot serialize %T", models.ErrValidation, r)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode %s model: %w", r.Kind(), err)
	}
	return json.Marshal(artifact{
		Format:   artifactFormat,
		Kind:     r.Kind(),
		Station:  station,
		Features: r.Features(),
		Model:    raw,
	})
}

// Unmarshal restores a regressor serialized by Marshal.
func Unmarshal(data []byte) (Regressor, error) {
	_, r, err := UnmarshalStation(data)
	return r, err
}

// UnmarshalStation restores a regressor and the station it was trained for.
func UnmarshalStation(data []byte) (string, Regressor, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return "", nil, fmt.Errorf("%w: decode model artifact: %v", models.ErrValidation, err)
	}
	if a.Format != artifactFormat {
		return "", nil, fmt.Errorf("%w: unsupported artifact format %d", models.ErrValidation, a.Format)
	}
	if len(a.Features) == 0 {
		return "", nil, fmt.Errorf("%w: artifact has no features", models.ErrValidation)
	}

	switch a.Kind {
	case KindGBRT:
		var s gbrtState
		if err := json.Unmarshal(a.Model, &s); err != nil {
			return "", nil, fmt.Errorf("%w: decode gbrt model: %v", models.ErrValidation, err)
		}
		if len(s.Importance) != len(a.Features) {
			return "", nil, fmt.Errorf("%w: gbrt importances do not match features", models.ErrValidation)
		}
		for ti, t := range s.Trees {
			if err := t.check(len(a.Features)); err != nil {
				return "", nil, fmt.Errorf("%w: tree %d: %v", models.ErrValidation, ti, err)
			}
		}
		g := NewGradientBoosting(s.Config)
		g.features, g.base, g.trees, g.importance = a.Features, s.Base, s.Trees, s.Importance
		return a.Station, g, nil
	case KindLinear:
		var s linearState
		if err := json.Unmarshal(a.Model, &s); err != nil {
			return "", nil, fmt.Errorf("%w: decode linear model: %v", models.ErrValidation, err)
		}
		if len(s.Coef) != len(a.Features) {
			return "", nil, fmt.Errorf("%w: linear coefficients do not match features", models.ErrValidation)
		}
		return a.Station, &LinearRegression{features: a.Features, intercept: s.Intercept, coef: s.Coef}, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown model kind %q", models.ErrValidation, a.Kind)
	}
}

// check guards eval against malformed trees: every split must reference a
// known feature and point strictly forward.
func (t tree) check(features int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Feature < 0 {
			continue
		}
		if n.Feature >= features {
			return fmt.Errorf("node %d splits on unknown feature %d", i, n.Feature)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children", i)
		}
	}
	return nil
}

// SaveFile writes a station model artifact, creating parent directories.
func SaveFile(path, station string, r Regressor) error {
	data, err := MarshalStation(station, r)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadFile reads an artifact written by SaveFile.
func LoadFile(path string) (string, Regressor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read model: %w", err)
	}
	return UnmarshalStation(data)
}
