package tripdata

import (
	"sort"
	"time"

	"github.com/lox/bikecast/internal/models"
)

// StationCount is the number of trips that started at a station.
type StationCount struct {
	Station string
	Trips   int
}

// TopStations returns the n stations with the most departures, busiest
// first, ties ordered by name.
func TopStations(trips []models.Trip, n int) []StationCount {
	counts := make(map[string]int)
	for _, t := range trips {
		counts[t.StartStation]++
	}
	out := make([]StationCount, 0, len(counts))
	for s, c := range counts {
		out = append(out, StationCount{Station: s, Trips: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trips != out[j].Trips {
			return out[i].Trips > out[j].Trips
		}
		return out[i].Station < out[j].Station
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// FilterStations keeps the trips that started at one of stations.
func FilterStations(trips []models.Trip, stations []StationCount) []models.Trip {
	keep := make(map[string]bool, len(stations))
	for _, s := range stations {
		keep[s.Station] = true
	}
	var out []models.Trip
	for _, t := range trips {
		if keep[t.StartStation] {
			out = append(out, t)
		}
	}
	return out
}

// AggregateHourly counts trips per (start station, hour), returned sorted by
// station then hour. With fillGaps, hours between a station's first and last
// trip that saw no departures are emitted with a zero count.
func AggregateHourly(trips []models.Trip, fillGaps bool) []models.HourlyCount {
	type key struct {
		station string
		hour    int64
	}
	counts := make(map[key]int)
	first := make(map[string]time.Time)
	last := make(map[string]time.Time)
	for _, t := range trips {
		h := t.StartedAt.UTC().Truncate(time.Hour)
		counts[key{t.StartStation, h.Unix()}]++
		if f, ok := first[t.StartStation]; !ok || h.Before(f) {
			first[t.StartStation] = h
		}
		if l, ok := last[t.StartStation]; !ok || h.After(l) {
			last[t.StartStation] = h
		}
	}

	stations := make([]string, 0, len(first))
	for s := range first {
		stations = append(stations, s)
	}
	sort.Strings(stations)

	var out []models.HourlyCount
	for _, s := range stations {
		if fillGaps {
			for h := first[s]; !h.After(last[s]); h = h.Add(time.Hour) {
				out = append(out, models.HourlyCount{StationID: s, Hour: h, TripCount: counts[key{s, h.Unix()}]})
			}
			continue
		}
		var hours []time.Time
		for k := range counts {
			if k.station == s {
				hours = append(hours, time.Unix(k.hour, 0).UTC())
			}
		}
		sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })
		for _, h := range hours {
			out = append(out, models.HourlyCount{StationID: s, Hour: h, TripCount: counts[key{s, h.Unix()}]})
		}
	}
	return out
}
