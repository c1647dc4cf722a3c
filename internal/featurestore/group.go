package featurestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/metrics"
	"github.com/lox/bikecast/internal/models"
	"github.com/lox/bikecast/internal/store"
)

// FeatureGroup is a handle on a stored feature group.
type FeatureGroup struct {
	p   *Project
	rec store.FeatureGroup
}

func (g *FeatureGroup) Name() string         { return g.rec.Name }
func (g *FeatureGroup) Version() int         { return g.rec.Version }
func (g *FeatureGroup) PrimaryKey() []string { return g.rec.PrimaryKey }
func (g *FeatureGroup) EventTime() string    { return g.rec.EventTime }
func (g *FeatureGroup) Description() string  { return g.rec.Description }

// Count returns the number of stored rows, counting every event time.
func (g *FeatureGroup) Count(ctx context.Context) (int, error) {
	return g.p.store.CountFeatureRows(ctx, g.rec.ID)
}

// Schema returns the columns recorded by the first insert, or nil if the
// group has never been written.
func (g *FeatureGroup) Schema() ([]Column, error) {
	if !g.rec.Schema.Valid {
		return nil, nil
	}
	var cols []Column
	if err := json.Unmarshal([]byte(g.rec.Schema.String), &cols); err != nil {
		return nil, fmt.Errorf("decode schema of %s v%d: %w", g.rec.Name, g.rec.Version, err)
	}
	return cols, nil
}

// InsertOptions controls how an insert is committed.
type InsertOptions struct {
	// WaitForJob blocks Insert until the rows are committed. Otherwise the
	// write runs in the background and Insert returns immediately.
	WaitForJob bool
}

// Job is a submitted insert.
type Job struct {
	Group string
	Rows  int

	done chan struct{}
	err  error
}

// Wait blocks until the job has finished and returns its error.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Insert writes t into the group. Rows are validated and encoded before the
// job starts, so shape errors are always returned synchronously.
func (g *FeatureGroup) Insert(ctx context.Context, t *Table, opts InsertOptions) (*Job, error) {
	if err := g.refresh(ctx); err != nil {
		return nil, err
	}
	schema, rows, err := g.encode(t)
	if err != nil {
		return nil, err
	}

	id, name, version := g.rec.ID, g.rec.Name, g.rec.Version
	job := &Job{Group: name, Rows: len(rows), done: make(chan struct{})}
	write := func(ctx context.Context) {
		defer close(job.done)
		start := time.Now()
		err := g.p.store.InsertFeatureRows(ctx, id, schema, rows)
		metrics.ObserveExternal(service, "insert", err)
		if err != nil {
			if errors.Is(err, store.ErrSchemaMismatch) {
				job.err = fmt.Errorf("%w: %s v%d: %v", ErrSchemaConflict, name, version, err)
			} else {
				job.err = models.External(service, "insert", err)
			}
			return
		}
		metrics.RowsWritten.WithLabelValues(name).Add(float64(len(rows)))
		g.p.log.WithFields(logrus.Fields{
			"feature_group": name,
			"version":       version,
			"rows":          len(rows),
			"duration":      time.Since(start).Round(time.Millisecond),
		}).Info("inserted feature rows")
	}

	if opts.WaitForJob {
		write(ctx)
		if job.err != nil {
			return job, job.err
		}
		return job, nil
	}

	g.p.track(job)
	go write(context.WithoutCancel(ctx))
	return job, nil
}

func (g *FeatureGroup) encode(t *Table) (string, []store.FeatureRow, error) {
	if t == nil || len(t.Columns) == 0 {
		return "", nil, fmt.Errorf("%w: empty table for %s", models.ErrValidation, g.rec.Name)
	}
	sorted, schema, err := canonicalSchema(t.Columns)
	if err != nil {
		return "", nil, err
	}
	if g.rec.Schema.Valid && g.rec.Schema.String != schema {
		return "", nil, fmt.Errorf("%w: %s v%d declared %s, got %s",
			ErrSchemaConflict, g.rec.Name, g.rec.Version, g.rec.Schema.String, schema)
	}

	order := make([]int, len(sorted))
	for i, c := range sorted {
		order[i] = t.Index(c.Name)
	}
	keyIdx := make([]int, len(g.rec.PrimaryKey))
	for i, name := range g.rec.PrimaryKey {
		if keyIdx[i] = t.Index(name); keyIdx[i] < 0 {
			return "", nil, fmt.Errorf("%w: %s is missing primary key column %s", ErrSchemaConflict, g.rec.Name, name)
		}
	}
	evIdx := t.Index(g.rec.EventTime)
	if evIdx < 0 || t.Columns[evIdx].Type != Timestamp {
		return "", nil, fmt.Errorf("%w: %s needs timestamp event time column %s", ErrSchemaConflict, g.rec.Name, g.rec.EventTime)
	}

	rows := make([]store.FeatureRow, 0, len(t.Rows))
	for n, r := range t.Rows {
		if len(r) != len(t.Columns) {
			return "", nil, fmt.Errorf("%w: row %d has %d values, want %d", models.ErrValidation, n, len(r), len(t.Columns))
		}
		values := make([]any, len(order))
		for i, src := range order {
			v, err := normalize(t.Columns[src], r[src])
			if err != nil {
				return "", nil, fmt.Errorf("row %d: %w", n, err)
			}
			values[i] = encodeValue(v)
		}
		key := make([]any, len(keyIdx))
		for i, src := range keyIdx {
			v, err := normalize(t.Columns[src], r[src])
			if err != nil {
				return "", nil, fmt.Errorf("row %d: %w", n, err)
			}
			key[i] = encodeValue(v)
		}
		ev, err := normalize(t.Columns[evIdx], r[evIdx])
		if err != nil {
			return "", nil, fmt.Errorf("row %d: %w", n, err)
		}

		vb, err := json.Marshal(values)
		if err != nil {
			return "", nil, fmt.Errorf("row %d: %w", n, err)
		}
		kb, err := json.Marshal(key)
		if err != nil {
			return "", nil, fmt.Errorf("row %d: %w", n, err)
		}
		rows = append(rows, store.FeatureRow{Key: string(kb), EventTime: ev.(time.Time), Values: string(vb)})
	}
	return schema, rows, nil
}

func (g *FeatureGroup) refresh(ctx context.Context) error {
	current, err := g.p.store.GetFeatureGroup(ctx, g.p.name, g.rec.Name, g.rec.Version)
	if err == nil && current == nil {
		err = fmt.Errorf("%w: %s v%d", ErrNotFound, g.rec.Name, g.rec.Version)
	}
	if err != nil {
		return models.External(service, "refresh", err)
	}
	g.rec = *current
	return nil
}

// Read returns the full contents of the group with columns in schema order.
// A group that has never been written reads as an empty table.
func (g *FeatureGroup) Read(ctx context.Context) (*Table, error) {
	if err := g.refresh(ctx); err != nil {
		return nil, err
	}

	cols, err := g.Schema()
	if err != nil {
		return nil, err
	}
	t := NewTable(cols...)
	if cols == nil {
		return t, nil
	}

	stored, err := g.p.store.ReadFeatureRows(ctx, g.rec.ID)
	metrics.ObserveExternal(service, "read", err)
	if err != nil {
		return nil, models.External(service, "read", err)
	}
	t.Rows = make([][]any, 0, len(stored))
	for _, sr := range stored {
		dec := json.NewDecoder(bytes.NewReader([]byte(sr.Values)))
		dec.UseNumber()
		var raw []any
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode row %s: %w", sr.Key, err)
		}
		if len(raw) != len(cols) {
			return nil, fmt.Errorf("%w: row %s has %d values, schema has %d", ErrSchemaConflict, sr.Key, len(raw), len(cols))
		}
		row := make([]any, len(cols))
		for i, c := range cols {
			if row[i], err = decodeValue(c, raw[i]); err != nil {
				return nil, fmt.Errorf("row %s: %w", sr.Key, err)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
