package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/bikecast/internal/models"
)

var t0 = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

func series(station string, counts ...int) []models.HourlyCount {
	out := make([]models.HourlyCount, len(counts))
	for i, c := range counts {
		out[i] = models.HourlyCount{StationID: station, Hour: t0.Add(time.Duration(i) * time.Hour), TripCount: c}
	}
	return out
}

func TestBuildLags_Scenario(t *testing.T) {
	input := series("A", 10, 12, 9, 14, 11, 13, 8, 15)

	got, err := BuildLags(input, []int{1, 2})
	require.NoError(t, err)
	require.Len(t, got, 6)

	first := got[0]
	assert.True(t, first.Hour.Equal(input[2].Hour), "first row is input index 2")
	assert.Equal(t, 9, first.TripCount)
	assert.Equal(t, 12, first.Lags[1])
	assert.Equal(t, 10, first.Lags[2])

	last := got[5]
	assert.Equal(t, 15, last.TripCount)
	assert.Equal(t, 8, last.Lags[1])
	assert.Equal(t, 13, last.Lags[2])
}

func TestBuildLags_NoCrossStationLeakage(t *testing.T) {
	input := append(series("A", 1, 2, 3, 4), series("B", 100, 200, 300)...)

	got, err := BuildLags(input, []int{1, 2})
	require.NoError(t, err)

	counts := make(map[string]map[int64]int)
	for _, r := range input {
		if counts[r.StationID] == nil {
			counts[r.StationID] = make(map[int64]int)
		}
		counts[r.StationID][r.Hour.Unix()] = r.TripCount
	}
	for _, r := range got {
		for k, v := range r.Lags {
			prior, ok := counts[r.StationID][r.Hour.Add(-time.Duration(k)*time.Hour).Unix()]
			require.True(t, ok)
			assert.Equal(t, prior, v, "%s lag_%d", r.StationID, k)
		}
	}
	assert.Len(t, ForStation(got, "A"), 2)
	assert.Len(t, ForStation(got, "B"), 1)
	assert.Equal(t, 100, ForStation(got, "B")[0].Lags[2])
}

func TestBuildLags_ShortStationContributesNothing(t *testing.T) {
	input := append(series("A", 1, 2), series("B", 5, 6, 7)...)

	got, err := BuildLags(input, []int{2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].StationID)
	for _, r := range got {
		assert.Len(t, r.Lags, 1)
	}
}

func TestBuildLags_MissingHourDropsRow(t *testing.T) {
	input := []models.HourlyCount{
		{StationID: "A", Hour: t0, TripCount: 1},
		{StationID: "A", Hour: t0.Add(time.Hour), TripCount: 2},
		{StationID: "A", Hour: t0.Add(3 * time.Hour), TripCount: 4},
		{StationID: "A", Hour: t0.Add(4 * time.Hour), TripCount: 5},
	}
	got, err := BuildLags(input, []int{1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Lags[1])
	assert.Equal(t, 4, got[1].Lags[1])
}

func TestBuildLags_Idempotent(t *testing.T) {
	input := series("A", 10, 12, 9, 14, 11, 13, 8, 15)

	first, err := BuildLags(input, []int{1, 2})
	require.NoError(t, err)
	again, err := BuildLags(input, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	hourly := make([]models.HourlyCount, len(first))
	for i, r := range first {
		hourly[i] = r.HourlyCount
	}
	relagged, err := BuildLags(hourly, []int{1, 2})
	require.NoError(t, err)
	byHour := make(map[int64]map[int]int)
	for _, r := range first {
		byHour[r.Hour.Unix()] = r.Lags
	}
	require.NotEmpty(t, relagged)
	for _, r := range relagged {
		assert.Equal(t, byHour[r.Hour.Unix()], r.Lags)
	}
}

func TestBuildLags_Validation(t *testing.T) {
	tests := []struct {
		name    string
		series  []models.HourlyCount
		offsets []int
	}{
		{"no offsets", series("A", 1, 2), nil},
		{"zero offset", series("A", 1, 2), []int{0}},
		{"negative count", series("A", 1, -2), []int{1}},
		{"unsorted stations", append(series("B", 1), series("A", 1)...), []int{1}},
		{"duplicate hour", append(series("A", 1), series("A", 2)...), []int{1}},
		{"out of order", []models.HourlyCount{
			{StationID: "A", Hour: t0.Add(time.Hour)},
			{StationID: "A", Hour: t0},
		}, []int{1}},
		{"not on the hour", []models.HourlyCount{{StationID: "A", Hour: t0.Add(time.Minute)}}, []int{1}},
		{"missing station", []models.HourlyCount{{Hour: t0}}, []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildLags(tt.series, tt.offsets)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestNormalizeOffsets(t *testing.T) {
	got, err := NormalizeOffsets([]int{3, 1, 3, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, []string{"lag_1", "lag_2", "lag_3"}, FeatureNames(got))
	assert.Len(t, DefaultOffsets(), 28)
	assert.Equal(t, 28, DefaultOffsets()[27])
}

func TestSplit(t *testing.T) {
	records := make([]int, 10)
	for i := range records {
		records[i] = i
	}

	train, test, err := Split(records, 0.2)
	require.NoError(t, err)
	assert.Len(t, train, 8)
	assert.Len(t, test, 2)
	assert.Equal(t, records, append(append([]int{}, train...), test...))

	grown := append(train, 99)
	assert.Len(t, grown, 9)
	assert.Equal(t, 8, test[0], "appending to train must not clobber test")
}

func TestSplit_Boundaries(t *testing.T) {
	tests := []struct {
		n         int
		fraction  float64
		wantTrain int
	}{
		{10, 0.2, 8},
		{7, 0.2, 5},
		{3, 0.5, 1},
		{1, 0.5, 0},
		{1, 0.01, 0},
		{0, 0.3, 0},
		{100, 0.999, 0},
	}
	for _, tt := range tests {
		records := make([]string, tt.n)
		train, test, err := Split(records, tt.fraction)
		require.NoError(t, err)
		assert.Len(t, train, tt.wantTrain, "n=%d f=%v", tt.n, tt.fraction)
		assert.Len(t, test, tt.n-tt.wantTrain)
	}
}

func TestSplit_InvalidFraction(t *testing.T) {
	for _, f := range []float64{0, 1, -0.1, 1.5} {
		_, _, err := Split([]int{1, 2, 3}, f)
		assert.ErrorIs(t, err, models.ErrValidation, "fraction %v", f)
	}
}

func TestToMatrixAndSelect(t *testing.T) {
	lagged, err := BuildLags(series("A", 10, 12, 9, 14), []int{2, 1})
	require.NoError(t, err)

	m, y, err := ToMatrix(lagged, []int{2, 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"lag_1", "lag_2"}, m.Columns)
	assert.Equal(t, [][]float64{{12, 10}, {9, 12}}, m.Rows)
	assert.Equal(t, []float64{9, 14}, y)
	require.NoError(t, m.Validate())

	sel, err := m.Select([]string{"lag_2"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{10}, {12}}, sel.Rows)
	assert.Equal(t, map[string]float64{"lag_2": 10}, sel.Row(0))

	_, err = m.Select([]string{"lag_3"})
	assert.ErrorIs(t, err, models.ErrSchema)

	_, _, err = ToMatrix(lagged, []int{3})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestLatestPerStation(t *testing.T) {
	lagged, err := BuildLags(append(series("A", 1, 2, 3, 4), series("B", 5, 6, 7)...), []int{1})
	require.NoError(t, err)

	latest, err := LatestPerStation(lagged)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "A", latest[0].StationID)
	assert.Equal(t, 4, latest[0].TripCount)
	assert.Equal(t, "B", latest[1].StationID)
	assert.Equal(t, 7, latest[1].TripCount)

	dup := append(lagged, lagged[0])
	_, err = LatestPerStation(dup)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestHours(t *testing.T) {
	hours := Hours(t0.Add(30*time.Minute), t0.Add(3*time.Hour))
	require.Len(t, hours, 3)
	assert.True(t, hours[0].Equal(t0.Add(time.Hour)))
	assert.True(t, hours[2].Equal(t0.Add(3*time.Hour)))

	assert.Empty(t, Hours(t0.Add(2*time.Hour), t0))
	assert.Len(t, Hours(t0, t0), 1)
}

func TestStationsAndAtHour(t *testing.T) {
	lagged, err := BuildLags(append(series("A", 1, 2, 3), series("B", 5, 6, 7)...), []int{1})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, Stations(lagged))
	assert.Len(t, AtHour(lagged, t0.Add(2*time.Hour)), 2)
}
