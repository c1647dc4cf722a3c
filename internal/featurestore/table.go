package featurestore

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/lox/bikecast/internal/models"
)

type ColumnType string

const (
	String    ColumnType = "string"
	Timestamp ColumnType = "timestamp"
	Bigint    ColumnType = "bigint"
	Double    ColumnType = "double"
)

type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Table is an in-memory feature table. Values are string, time.Time, int64
// or float64 according to the column type.
type Table struct {
	Columns []Column
	Rows    [][]any
}

func NewTable(columns ...Column) *Table {
	return &Table{Columns: columns}
}

func (t *Table) Len() int { return len(t.Rows) }

// Index returns the position of the named column, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Append adds a row after checking arity and value types.
func (t *Table) Append(values ...any) error {
	if len(values) != len(t.Columns) {
		return fmt.Errorf("%w: row has %d values, table has %d columns", models.ErrValidation, len(values), len(t.Columns))
	}
	row := make([]any, len(values))
	for i, v := range values {
		nv, err := normalize(t.Columns[i], v)
		if err != nil {
			return err
		}
		row[i] = nv
	}
	t.Rows = append(t.Rows, row)
	return nil
}

func normalize(c Column, v any) (any, error) {
	switch c.Type {
	case String:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Timestamp:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC(), nil
		}
	case Bigint:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		}
	case Double:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	default:
		return nil, fmt.Errorf("%w: column %s has unknown type %q", models.ErrValidation, c.Name, c.Type)
	}
	return nil, fmt.Errorf("%w: column %s expects %s, got %T", models.ErrValidation, c.Name, c.Type, v)
}

// canonicalSchema returns the columns sorted by name and their JSON encoding.
// Two tables with the same columns in a different order share a schema.
func canonicalSchema(columns []Column) ([]Column, string, error) {
	sorted := make([]Column, len(columns))
	copy(sorted, columns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return nil, "", fmt.Errorf("%w: duplicate column %s", models.ErrValidation, sorted[i].Name)
		}
	}
	b, err := json.Marshal(sorted)
	if err != nil {
		return nil, "", err
	}
	return sorted, string(b), nil
}

// encodeValue converts a normalized value to its JSON-friendly form.
func encodeValue(v any) any {
	if ts, ok := v.(time.Time); ok {
		return ts.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func decodeValue(c Column, raw any) (any, error) {
	switch c.Type {
	case String:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	case Timestamp:
		if s, ok := raw.(string); ok {
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", c.Name, err)
			}
			return ts.UTC(), nil
		}
	case Bigint:
		if n, ok := raw.(json.Number); ok {
			return n.Int64()
		}
	case Double:
		if n, ok := raw.(json.Number); ok {
			return n.Float64()
		}
	}
	return nil, fmt.Errorf("column %s: cannot decode %T as %s", c.Name, raw, c.Type)
}
