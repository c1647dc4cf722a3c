// Package features turns per-station hourly trip counts into supervised
// learning tables: lag features, walk-forward splits and numeric matrices.
package features

import (
	"fmt"
	"sort"
	"time"

	"github.com/lox/bikecast/internal/models"
)

// DefaultOffsets are the lag offsets used by the trip pipelines: 1 to 28 hours.
func DefaultOffsets() []int {
	offsets := make([]int, 28)
	for i := range offsets {
		offsets[i] = i + 1
	}
	return offsets
}

// NormalizeOffsets validates offsets and returns them sorted without duplicates.
func NormalizeOffsets(offsets []int) ([]int, error) {
	if len(offsets) == 0 {
		return nil, fmt.Errorf("%w: at least one lag offset is required", models.ErrValidation)
	}
	out := make([]int, 0, len(offsets))
	seen := make(map[int]bool, len(offsets))
	for _, k := range offsets {
		if k <= 0 {
			return nil, fmt.Errorf("%w: lag offset %d is not positive", models.ErrValidation, k)
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out, nil
}

// FeatureNames returns the lag column names for offsets in ascending order.
func FeatureNames(offsets []int) []string {
	names := make([]string, len(offsets))
	for i, k := range offsets {
		names[i] = models.LagColumn(k)
	}
	return names
}

// ValidateSeries checks that series is sorted by (station, hour) with
// hour-aligned timestamps, non-negative counts and no duplicate pairs.
func ValidateSeries(series []models.HourlyCount) error {
	for i, r := range series {
		if r.StationID == "" {
			return fmt.Errorf("%w: record %d has no station", models.ErrValidation, i)
		}
		if r.TripCount < 0 {
			return fmt.Errorf("%w: record %d (%s) has negative trip count %d", models.ErrValidation, i, r.StationID, r.TripCount)
		}
		if !r.Hour.Truncate(time.Hour).Equal(r.Hour) {
			return fmt.Errorf("%w: record %d (%s) timestamp %s is not on the hour", models.ErrValidation, i, r.StationID, r.Hour.Format(time.RFC3339))
		}
		if i == 0 {
			continue
		}
		prev := series[i-1]
		switch {
		case r.StationID < prev.StationID:
			return fmt.Errorf("%w: record %d: station %q after %q", models.ErrValidation, i, r.StationID, prev.StationID)
		case r.StationID == prev.StationID && r.Hour.Equal(prev.Hour):
			return fmt.Errorf("%w: duplicate record for %s at %s", models.ErrValidation, r.StationID, r.Hour.Format(time.RFC3339))
		case r.StationID == prev.StationID && r.Hour.Before(prev.Hour):
			return fmt.Errorf("%w: record %d (%s) is out of time order", models.ErrValidation, i, r.StationID)
		}
	}
	return nil
}

// BuildLags attaches to each record the trip counts observed exactly k hours
// earlier at the same station, for every k in offsets. Records for which any
// offset has no prior record are dropped. The input must already be sorted by
// (station, hour); it is never re-sorted.
func BuildLags(series []models.HourlyCount, offsets []int) ([]models.LaggedRecord, error) {
	offs, err := NormalizeOffsets(offsets)
	if err != nil {
		return nil, err
	}
	if err := ValidateSeries(series); err != nil {
		return nil, err
	}

	var out []models.LaggedRecord
	for start := 0; start < len(series); {
		end := start + 1
		for end < len(series) && series[end].StationID == series[start].StationID {
			end++
		}
		out = appendStationLags(out, series[start:end], offs)
		start = end
	}
	return out, nil
}

func appendStationLags(out []models.LaggedRecord, group []models.HourlyCount, offsets []int) []models.LaggedRecord {
	maxOffset := offsets[len(offsets)-1]
	if len(group) <= maxOffset {
		return out
	}

	counts := make(map[int64]int, len(group))
	for _, r := range group {
		counts[r.Hour.Unix()] = r.TripCount
	}

rows:
	for _, r := range group {
		lags := make(map[int]int, len(offsets))
		for _, k := range offsets {
			v, ok := counts[r.Hour.Add(-time.Duration(k)*time.Hour).Unix()]
			if !ok {
				continue rows
			}
			lags[k] = v
		}
		out = append(out, models.LaggedRecord{HourlyCount: r, Lags: lags})
	}
	return out
}

// LatestPerStation returns the most recent record of each station, ordered by
// station. Duplicate (station, hour) pairs are rejected.
func LatestPerStation(records []models.LaggedRecord) ([]models.LaggedRecord, error) {
	latest := make(map[string]models.LaggedRecord)
	seen := make(map[string]map[int64]bool)
	for _, r := range records {
		hours := seen[r.StationID]
		if hours == nil {
			hours = make(map[int64]bool)
			seen[r.StationID] = hours
		}
		if hours[r.Hour.Unix()] {
			return nil, fmt.Errorf("%w: duplicate record for %s at %s", models.ErrValidation, r.StationID, r.Hour.Format(time.RFC3339))
		}
		hours[r.Hour.Unix()] = true

		if cur, ok := latest[r.StationID]; !ok || r.Hour.After(cur.Hour) {
			latest[r.StationID] = r
		}
	}

	out := make([]models.LaggedRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out, nil
}

// AtHour returns the records whose timestamp equals hour.
func AtHour(records []models.LaggedRecord, hour time.Time) []models.LaggedRecord {
	var out []models.LaggedRecord
	for _, r := range records {
		if r.Hour.Equal(hour) {
			out = append(out, r)
		}
	}
	return out
}

// ForStation returns the records of one station, preserving order.
func ForStation(records []models.LaggedRecord, station string) []models.LaggedRecord {
	var out []models.LaggedRecord
	for _, r := range records {
		if r.StationID == station {
			out = append(out, r)
		}
	}
	return out
}

// Stations returns the distinct station ids in first-seen order.
func Stations(records []models.LaggedRecord) []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range records {
		if !seen[r.StationID] {
			seen[r.StationID] = true
			out = append(out, r.StationID)
		}
	}
	return out
}

// Hours enumerates the hour-aligned instants in [start, end].
func Hours(start, end time.Time) []time.Time {
	first := start.Truncate(time.Hour)
	if first.Before(start) {
		first = first.Add(time.Hour)
	}
	var out []time.Time
	for t := first; !t.After(end); t = t.Add(time.Hour) {
		out = append(out, t.UTC())
	}
	return out
}
