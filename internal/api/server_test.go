package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/bikecast/internal/api"
	"github.com/lox/bikecast/internal/featurestore"
	"github.com/lox/bikecast/internal/models"
	"github.com/lox/bikecast/internal/narrative"
	"github.com/lox/bikecast/internal/publish"
	"github.com/lox/bikecast/internal/store"
	"github.com/lox/bikecast/internal/tracker"
)

var (
	h0      = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	predAt  = time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)
	staleAt = predAt.Add(-24 * time.Hour)
)

func hour(n int) time.Time { return h0.Add(time.Duration(n) * time.Hour) }

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return log
}

type fixture struct {
	store   *store.Store
	project *featurestore.Project
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:", testLogger())
	require.NoError(t, err)
	project := featurestore.NewProject(st, "citibike", testLogger())
	t.Cleanup(func() {
		assert.NoError(t, project.Close())
		st.Close()
	})
	return &fixture{store: st, project: project}
}

func (f *fixture) insert(t *testing.T, spec featurestore.Spec, table *featurestore.Table) {
	t.Helper()
	ctx := context.Background()
	fg, err := f.project.GetOrCreateFeatureGroup(ctx, spec)
	require.NoError(t, err)
	_, err = fg.Insert(ctx, table, featurestore.InsertOptions{WaitForJob: true})
	require.NoError(t, err)
}

// seed writes actual counts for stations A and B and predictions that
// partly overlap them. A's first hour is predicted twice.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	hourly, err := featurestore.HourlyTable([]models.HourlyCount{
		{StationID: "A", Hour: hour(0), TripCount: 3},
		{StationID: "A", Hour: hour(1), TripCount: 5},
		{StationID: "A", Hour: hour(2), TripCount: 4},
		{StationID: "B", Hour: hour(0), TripCount: 1},
	})
	require.NoError(t, err)
	f.insert(t, featurestore.HourlyTrips, hourly)

	stale, err := featurestore.PredictionTable([]models.ForecastResult{
		{StationID: "A", Hour: hour(0), Prediction: 10, PredictionTime: staleAt},
	})
	require.NoError(t, err)
	f.insert(t, featurestore.Predictions, stale)

	preds, err := featurestore.PredictionTable([]models.ForecastResult{
		{StationID: "A", Hour: hour(0), Prediction: 2.5, PredictionTime: predAt},
		{StationID: "A", Hour: hour(1), Prediction: 5.5, PredictionTime: predAt},
		{StationID: "A", Hour: hour(3), Prediction: 7, PredictionTime: predAt},
		{StationID: "B", Hour: hour(0), Prediction: 2, PredictionTime: predAt},
	})
	require.NoError(t, err)
	f.insert(t, featurestore.Predictions, preds)
}

func (f *fixture) seedRuns(t *testing.T, experiment string, maes ...float64) {
	t.Helper()
	tr := tracker.NewWithStore(f.store, experiment, testLogger())
	for _, mae := range maes {
		err := tr.WithRun(context.Background(), func(run *tracker.Run) error {
			return run.LogMetric(context.Background(), "mae", mae)
		})
		require.NoError(t, err)
	}
}

func (f *fixture) server(cfg api.Config) *api.Server {
	return api.NewServer(f.store, f.project, cfg, testLogger())
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestHealth(t *testing.T) {
	f := setup(t)
	f.seed(t)
	require.NoError(t, f.store.StoreArchive(context.Background(), "202505", "https://example.com/202505-citibike-tripdata.zip", []byte("zip")))
	w := get(t, f.server(api.Config{}).Handler(), "/health")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Status        string `json:"status"`
		FeatureGroups []struct {
			Name string `json:"name"`
			Rows int    `json:"rows"`
		} `json:"feature_groups"`
		Archives struct {
			Count       int    `json:"count"`
			NewestMonth string `json:"newest_month"`
		} `json:"archives"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.FeatureGroups, 2)
	rows := map[string]int{}
	for _, g := range body.FeatureGroups {
		rows[g.Name] = g.Rows
	}
	assert.Equal(t, 4, rows[featurestore.HourlyTrips.Name])
	// the stale prediction for A at hour 0 is kept alongside the newer one
	assert.Equal(t, 5, rows[featurestore.Predictions.Name])
	assert.Equal(t, 1, body.Archives.Count)
	assert.Equal(t, "202505", body.Archives.NewestMonth)
}

func TestHealth_StoreDown(t *testing.T) {
	f := setup(t)
	srv := f.server(api.Config{})
	require.NoError(t, f.store.Close())

	w := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"error"`)
}

func TestIndex(t *testing.T) {
	f := setup(t)
	f.seed(t)
	h := f.server(api.Config{}).Handler()

	w := get(t, h, "/")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `<option value="A" selected>`)
	assert.Contains(t, body, `<option value="B">`)
	// |3-2.5| and |5-5.5|; hour 3 has no actual and the stale prediction is ignored.
	assert.Contains(t, body, `<strong class="mae">0.500</strong>`)
	assert.Contains(t, body, "/chart/predictions.png?station=A")
	assert.NotContains(t, body, "10.00")

	w = get(t, h, "/?station=B")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `<strong class="mae">1.000</strong>`)
}

func TestIndex_Empty(t *testing.T) {
	f := setup(t)
	w := get(t, f.server(api.Config{}).Handler(), "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "No predictions have been matched")
}

func TestIndex_UnknownPath(t *testing.T) {
	f := setup(t)
	w := get(t, f.server(api.Config{}).Handler(), "/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIPredictions(t *testing.T) {
	f := setup(t)
	f.seed(t)
	h := f.server(api.Config{}).Handler()

	var all []api.Comparison
	w := get(t, h, "/api/predictions")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&all))
	require.Len(t, all, 3)
	assert.Equal(t, "A", all[0].Station)
	assert.True(t, hour(0).Equal(all[0].Hour))
	assert.Equal(t, 3, all[0].Actual)
	assert.Equal(t, 2.5, all[0].Prediction)

	var b []api.Comparison
	w = get(t, h, "/api/predictions?station=B")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&b))
	require.Len(t, b, 1)
	assert.Equal(t, 2.0, b[0].Prediction)

	w = get(t, h, "/api/predictions?station=Z")
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestAPILatest_FromStore(t *testing.T) {
	f := setup(t)
	f.seed(t)

	var msgs []publish.Message
	w := get(t, f.server(api.Config{}).Handler(), "/api/latest")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "A", msgs[0].Station)
	assert.True(t, hour(3).Equal(msgs[0].Hour))
	assert.Equal(t, 7.0, msgs[0].Prediction)
	assert.Equal(t, "B", msgs[1].Station)
}

type fakeLatest struct {
	msgs []publish.Message
	err  error
}

func (f fakeLatest) Latest(context.Context) ([]publish.Message, error) { return f.msgs, f.err }

func TestAPILatest_FromSource(t *testing.T) {
	f := setup(t)
	srv := f.server(api.Config{})
	srv.SetLatestSource(fakeLatest{msgs: []publish.Message{
		{Station: "C", Hour: hour(5), Prediction: 4.2, Model: "citibike_lag28_gbrt", ModelVersion: 3},
	}})

	var msgs []publish.Message
	w := get(t, srv.Handler(), "/api/latest")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "C", msgs[0].Station)
	assert.Equal(t, 3, msgs[0].ModelVersion)

	srv.SetLatestSource(fakeLatest{err: errors.New("connection refused")})
	w = get(t, srv.Handler(), "/api/latest")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestAPIRuns(t *testing.T) {
	f := setup(t)
	f.seedRuns(t, api.DefaultExperiment, 0.9, 0.4, 0.7)
	f.seedRuns(t, "other", 1.5)
	h := f.server(api.Config{}).Handler()

	tests := []struct {
		name   string
		target string
		want   []float64
	}{
		{"best first", "/api/runs?order=metrics.mae+ASC", []float64{0.4, 0.7, 0.9}},
		{"limited", "/api/runs?order=metrics.mae+DESC&limit=2", []float64{0.9, 0.7}},
		{"other experiment", "/api/runs?experiment=other", []float64{1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, h, tt.target)
			require.Equal(t, http.StatusOK, w.Code)
			var runs []api.RunView
			require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
			var got []float64
			for _, r := range runs {
				require.NotNil(t, r.MAE)
				assert.Equal(t, "succeeded", r.Status)
				got = append(got, *r.MAE)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAPIRuns_BadRequest(t *testing.T) {
	f := setup(t)
	h := f.server(api.Config{}).Handler()

	for _, target := range []string{"/api/runs?limit=ten", "/api/runs?limit=-1", "/api/runs?order=start_time+SIDEWAYS"} {
		w := get(t, h, target)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestMonitoring(t *testing.T) {
	f := setup(t)
	f.seedRuns(t, api.DefaultExperiment, 0.42)
	h := f.server(api.Config{}).Handler()

	w := get(t, h, "/monitoring")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Experiment citibike_trip_prediction_lag28")
	assert.Contains(t, body, "0.420")
	assert.Contains(t, body, "No versions registered.")
	assert.NotContains(t, body, `class="summary"`)
}

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error": {"message": "unavailable", "type": "server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "` + content + `"}}]
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMonitoring_Summary(t *testing.T) {
	f := setup(t)
	f.seedRuns(t, api.DefaultExperiment, 0.42, 0.38)

	tests := []struct {
		name   string
		status int
		want   string
	}{
		{"summarized", http.StatusOK, `<div class="summary">MAE dropped between the last two runs.</div>`},
		{"summary failure still renders", http.StatusInternalServerError, "0.380"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := chatServer(t, tt.status, "MAE dropped between the last two runs.")
			srv := f.server(api.Config{})
			srv.SetSummarizer(narrative.New(narrative.Config{APIKey: "k", BaseURL: chat.URL + "/v1/"}, testLogger()))

			w := get(t, srv.Handler(), "/monitoring")
			require.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
}

func TestCharts(t *testing.T) {
	f := setup(t)
	f.seed(t)
	f.seedRuns(t, api.DefaultExperiment, 0.9, 0.4)
	h := f.server(api.Config{}).Handler()

	for _, target := range []string{"/chart/predictions.png?station=A", "/chart/mae.png"} {
		t.Run(target, func(t *testing.T) {
			w := get(t, h, target)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
			img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
			require.NoError(t, err)
			assert.Greater(t, img.Bounds().Dx(), 0)
		})
	}

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/chart/predictions.png").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/chart/predictions.png?station=Z").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/chart/mae.png?experiment=empty").Code)
}

func TestMetrics(t *testing.T) {
	f := setup(t)
	w := get(t, f.server(api.Config{}).Handler(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
}
