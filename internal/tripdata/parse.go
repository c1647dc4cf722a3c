package tripdata

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/lox/bikecast/internal/metrics"
	"github.com/lox/bikecast/internal/models"
)

const (
	MinTripMinutes = 1
	MaxTripMinutes = 120
)

// DefaultLocation is the zone trip timestamps are recorded in.
const DefaultLocation = "America/New_York"

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
}

// ParseStats counts what happened to the rows of an archive.
type ParseStats struct {
	Files   int
	Rows    int
	Kept    int
	Dropped int
}

// ParseArchive reads every CSV member of a trip archive and returns the rides
// that pass CleanTrip. Timestamps are interpreted in loc and returned in UTC.
func ParseArchive(data []byte, loc *time.Location) ([]models.Trip, ParseStats, error) {
	var stats ParseStats
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, stats, fmt.Errorf("%w: open archive: %v", models.ErrValidation, err)
	}

	var trips []models.Trip
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") || !strings.EqualFold(path.Ext(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, stats, fmt.Errorf("open %s: %w", f.Name, err)
		}
		trips, err = parseCSV(rc, loc, trips, &stats)
		rc.Close()
		if err != nil {
			return nil, stats, fmt.Errorf("parse %s: %w", f.Name, err)
		}
		stats.Files++
	}
	if stats.Files == 0 {
		return nil, stats, fmt.Errorf("%w: archive has no csv files", models.ErrValidation)
	}
	metrics.TripsCleaned.Add(float64(stats.Kept))
	return trips, stats, nil
}

// NormalizeHeader trims, lowercases and replaces spaces with underscores.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
}

func parseCSV(r io.Reader, loc *time.Location, trips []models.Trip, stats *ParseStats) ([]models.Trip, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return trips, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[NormalizeHeader(h)] = i
	}
	for _, required := range []string{"started_at", "ended_at", "start_station_name", "end_station_name"} {
		if _, ok := col[required]; !ok {
			return trips, fmt.Errorf("%w: missing column %s", models.ErrValidation, required)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return trips, nil
		}
		if err != nil {
			return trips, err
		}
		stats.Rows++

		trip := models.Trip{
			RideID:       field(rec, "ride_id"),
			RideableType: field(rec, "rideable_type"),
			StartStation: field(rec, "start_station_name"),
			EndStation:   field(rec, "end_station_name"),
			MemberCasual: field(rec, "member_casual"),
		}
		started, okStart := parseTime(field(rec, "started_at"), loc)
		ended, okEnd := parseTime(field(rec, "ended_at"), loc)
		if !okStart || !okEnd {
			stats.Dropped++
			continue
		}
		trip.StartedAt, trip.EndedAt = started, ended

		if !CleanTrip(trip) {
			stats.Dropped++
			continue
		}
		stats.Kept++
		trips = append(trips, trip)
	}
}

func parseTime(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// CleanTrip reports whether a ride has both stations and a duration between
// MinTripMinutes and MaxTripMinutes inclusive.
func CleanTrip(t models.Trip) bool {
	if t.StartStation == "" || t.EndStation == "" || t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return false
	}
	d := t.DurationMinutes()
	return d >= MinTripMinutes && d <= MaxTripMinutes
}
