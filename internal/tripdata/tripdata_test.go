package tripdata

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/bikecast/internal/models"
	"github.com/lox/bikecast/internal/store"
)

const sampleCSV = `ride_id,rideable_type,started_at,ended_at,start_station_name,end_station_name,member_casual
a1,classic_bike,2024-01-01 08:05:00,2024-01-01 08:20:00,W 21 St & 6 Ave,Broadway & E 14 St,member
a2,electric_bike,2024-01-01 08:40:00.123,2024-01-01 08:50:00,W 21 St & 6 Ave,Broadway & E 14 St,casual
a3,classic_bike,2024-01-01 08:10:00,2024-01-01 08:10:30,W 21 St & 6 Ave,Broadway & E 14 St,member
a4,classic_bike,2024-01-01 09:00:00,2024-01-01 12:00:00,W 21 St & 6 Ave,Broadway & E 14 St,member
a5,classic_bike,2024-01-01 09:00:00,2024-01-01 09:30:00,,Broadway & E 14 St,member
a6,classic_bike,not a time,2024-01-01 09:30:00,W 21 St & 6 Ave,Broadway & E 14 St,member
`

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return log
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(DefaultLocation)
	require.NoError(t, err)
	return loc
}

func TestParseArchive_CleansRows(t *testing.T) {
	data := buildZip(t, map[string]string{
		"202401-citibike-tripdata.csv":          sampleCSV,
		"__MACOSX/._202401-citibike-tripdata.csv": "junk",
		"README.txt":                            "ignored",
	})

	trips, stats, err := ParseArchive(data, newYork(t))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 6, stats.Rows)
	assert.Equal(t, 2, stats.Kept)
	assert.Equal(t, 4, stats.Dropped)
	require.Len(t, trips, 2)

	assert.Equal(t, "a1", trips[0].RideID)
	// 08:05 EST is 13:05 UTC
	assert.Equal(t, time.Date(2024, 1, 1, 13, 5, 0, 0, time.UTC), trips[0].StartedAt)
	assert.Equal(t, time.UTC, trips[0].StartedAt.Location())
	assert.InDelta(t, 15.0, trips[0].DurationMinutes(), 1e-9)
}

func TestParseArchive_ReadsEveryCSVMember(t *testing.T) {
	second := strings.Replace(sampleCSV, "a1,", "b1,", 1)
	data := buildZip(t, map[string]string{
		"part1.csv": sampleCSV,
		"part2.CSV": second,
	})

	trips, stats, err := ParseArchive(data, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Len(t, trips, 4)
}

func TestParseArchive_NormalizesHeaders(t *testing.T) {
	body := "\ufeffRide ID, Started At ,Ended At,Start Station Name,End Station Name\n" +
		"x,2024-01-01 08:00:00,2024-01-01 08:10:00,A,B\n"
	trips, _, err := ParseArchive(buildZip(t, map[string]string{"x.csv": body}), time.UTC)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, "x", trips[0].RideID)
	assert.Equal(t, "A", trips[0].StartStation)
}

func TestParseArchive_Errors(t *testing.T) {
	_, _, err := ParseArchive([]byte("not a zip"), time.UTC)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, _, err = ParseArchive(buildZip(t, map[string]string{"notes.txt": "hi"}), time.UTC)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, _, err = ParseArchive(buildZip(t, map[string]string{"x.csv": "ride_id,started_at\n1,2\n"}), time.UTC)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCleanTrip(t *testing.T) {
	start := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		dur  time.Duration
		from string
		to   string
		want bool
	}{
		{"typical", 15 * time.Minute, "A", "B", true},
		{"exactly one minute", time.Minute, "A", "B", true},
		{"exactly two hours", 120 * time.Minute, "A", "B", true},
		{"too short", 59 * time.Second, "A", "B", false},
		{"too long", 121 * time.Minute, "A", "B", false},
		{"negative", -5 * time.Minute, "A", "B", false},
		{"missing start station", 10 * time.Minute, "", "B", false},
		{"missing end station", 10 * time.Minute, "A", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trip := models.Trip{StartedAt: start, EndedAt: start.Add(tt.dur), StartStation: tt.from, EndStation: tt.to}
			assert.Equal(t, tt.want, CleanTrip(trip))
		})
	}
}

func trip(station string, start time.Time) models.Trip {
	return models.Trip{StartStation: station, EndStation: "X", StartedAt: start, EndedAt: start.Add(10 * time.Minute)}
}

func TestTopStationsAndFilter(t *testing.T) {
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	trips := []models.Trip{
		trip("B", base), trip("B", base), trip("A", base), trip("A", base), trip("C", base),
	}

	top := TopStations(trips, 2)
	assert.Equal(t, []StationCount{{"A", 2}, {"B", 2}}, top)
	assert.Len(t, TopStations(trips, 10), 3)

	kept := FilterStations(trips, top)
	assert.Len(t, kept, 4)
	for _, tr := range kept {
		assert.NotEqual(t, "C", tr.StartStation)
	}
}

func TestAggregateHourly(t *testing.T) {
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	trips := []models.Trip{
		trip("B", base.Add(5*time.Minute)),
		trip("A", base.Add(3*time.Hour+10*time.Minute)),
		trip("A", base.Add(50*time.Minute)),
		trip("A", base.Add(20*time.Minute)),
	}

	filled := AggregateHourly(trips, true)
	assert.Equal(t, []models.HourlyCount{
		{StationID: "A", Hour: base, TripCount: 2},
		{StationID: "A", Hour: base.Add(time.Hour), TripCount: 0},
		{StationID: "A", Hour: base.Add(2 * time.Hour), TripCount: 0},
		{StationID: "A", Hour: base.Add(3 * time.Hour), TripCount: 1},
		{StationID: "B", Hour: base, TripCount: 1},
	}, filled)

	sparse := AggregateHourly(trips, false)
	assert.Equal(t, []models.HourlyCount{
		{StationID: "A", Hour: base, TripCount: 2},
		{StationID: "A", Hour: base.Add(3 * time.Hour), TripCount: 1},
		{StationID: "B", Hour: base, TripCount: 1},
	}, sparse)

	assert.Empty(t, AggregateHourly(nil, true))
}

func TestCSVRoundTrip(t *testing.T) {
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	trips := []models.Trip{
		{RideID: "r1", RideableType: "classic_bike", StartedAt: base, EndedAt: base.Add(12 * time.Minute),
			StartStation: "A, North", EndStation: "B", MemberCasual: "member"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, trips))
	assert.Contains(t, buf.String(), "2024-01-01T08:00:00Z")
	assert.Contains(t, buf.String(), "12.00")

	got, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, trips, got)
}

func TestMonths(t *testing.T) {
	got := Months(time.Date(2023, 11, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC))
	require.Len(t, got, 4)
	assert.Equal(t, "202311", MonthKey(got[0]))
	assert.Equal(t, "202402", MonthKey(got[3]))
}

type archiveServer struct {
	*httptest.Server
	hits   atomic.Int32
	failN  atomic.Int32
	routes map[string][]byte
}

func newArchiveServer(t *testing.T, routes map[string][]byte) *archiveServer {
	t.Helper()
	s := &archiveServer{routes: routes}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if s.failN.Load() > 0 {
			s.failN.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, ok := s.routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestFetchMonth_FallsBackToSecondName(t *testing.T) {
	archive := buildZip(t, map[string]string{"x.csv": sampleCSV})
	srv := newArchiveServer(t, map[string][]byte{"/202401-citibike-tripdata.zip": archive})

	d := NewDownloader(Config{BaseURL: srv.URL + "/"}, nil, testLogger())
	data, u, err := d.FetchMonth(context.Background(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, archive, data)
	assert.Equal(t, srv.URL+"/202401-citibike-tripdata.zip", u)
	assert.EqualValues(t, 2, srv.hits.Load())
}

func TestFetchMonth_NotPublished(t *testing.T) {
	srv := newArchiveServer(t, nil)
	d := NewDownloader(Config{BaseURL: srv.URL}, nil, testLogger())

	_, _, err := d.FetchMonth(context.Background(), time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, ErrArchiveNotFound)
	assert.EqualValues(t, 2, srv.hits.Load())
}

func TestFetchMonth_UsesCache(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	archive := buildZip(t, map[string]string{"x.csv": sampleCSV})
	srv := newArchiveServer(t, map[string][]byte{"/202401-citibike-tripdata.csv.zip": archive})
	month := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	d := NewDownloader(Config{BaseURL: srv.URL}, st, testLogger())
	_, _, err = d.FetchMonth(ctx, month)
	require.NoError(t, err)
	data, _, err := d.FetchMonth(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, archive, data)
	assert.EqualValues(t, 1, srv.hits.Load())

	refresh := NewDownloader(Config{BaseURL: srv.URL, Refresh: true}, st, testLogger())
	_, _, err = refresh.FetchMonth(ctx, month)
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.hits.Load())
}

func TestFetchMonth_Retries(t *testing.T) {
	archive := buildZip(t, map[string]string{"x.csv": sampleCSV})
	month := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	routes := map[string][]byte{"/202401-citibike-tripdata.csv.zip": archive}

	t.Run("no retries aborts on server error", func(t *testing.T) {
		srv := newArchiveServer(t, routes)
		srv.failN.Store(1)
		d := NewDownloader(Config{BaseURL: srv.URL}, nil, testLogger())
		_, _, err := d.FetchMonth(context.Background(), month)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrArchiveNotFound)
		assert.EqualValues(t, 1, srv.hits.Load())
	})

	t.Run("retries recover from transient error", func(t *testing.T) {
		srv := newArchiveServer(t, routes)
		srv.failN.Store(1)
		d := NewDownloader(Config{BaseURL: srv.URL, Retries: 2}, nil, testLogger())
		data, _, err := d.FetchMonth(context.Background(), month)
		require.NoError(t, err)
		assert.Equal(t, archive, data)
		assert.EqualValues(t, 2, srv.hits.Load())
	})
}

func TestFetchMonth_UnsupportedScheme(t *testing.T) {
	d := NewDownloader(Config{BaseURL: "file:///tmp"}, nil, testLogger())
	_, _, err := d.FetchMonth(context.Background(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported archive scheme")
}
