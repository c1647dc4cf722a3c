package tripdata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/lox/bikecast/internal/models"
)

var processedHeader = []string{
	"ride_id", "rideable_type", "started_at", "ended_at",
	"start_station_name", "end_station_name", "member_casual", "trip_duration_min",
}

// WriteCSV writes cleaned trips with UTC RFC 3339 timestamps.
func WriteCSV(w io.Writer, trips []models.Trip) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(processedHeader); err != nil {
		return err
	}
	for _, t := range trips {
		if err := cw.Write([]string{
			t.RideID,
			t.RideableType,
			t.StartedAt.UTC().Format(time.RFC3339),
			t.EndedAt.UTC().Format(time.RFC3339),
			t.StartStation,
			t.EndStation,
			t.MemberCasual,
			fmt.Sprintf("%.2f", t.DurationMinutes()),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a file written by WriteCSV. Rows with unparseable start or
// end times are skipped.
func ReadCSV(r io.Reader) ([]models.Trip, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[NormalizeHeader(h)] = i
	}
	for _, required := range []string{"started_at", "ended_at", "start_station_name"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %s", models.ErrValidation, required)
		}
	}
	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}

	var trips []models.Trip
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return trips, nil
		}
		if err != nil {
			return nil, err
		}
		started, err := time.Parse(time.RFC3339, get(rec, "started_at"))
		if err != nil {
			continue
		}
		ended, err := time.Parse(time.RFC3339, get(rec, "ended_at"))
		if err != nil {
			continue
		}
		trips = append(trips, models.Trip{
			RideID:       get(rec, "ride_id"),
			RideableType: get(rec, "rideable_type"),
			StartedAt:    started.UTC(),
			EndedAt:      ended.UTC(),
			StartStation: get(rec, "start_station_name"),
			EndStation:   get(rec, "end_station_name"),
			MemberCasual: get(rec, "member_casual"),
		})
	}
}

// WriteCSVFile writes trips to path, creating parent directories.
func WriteCSVFile(path string, trips []models.Trip) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, trips); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadCSVFile reads trips from path.
func ReadCSVFile(path string) ([]models.Trip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}
