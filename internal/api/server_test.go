package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/waterwatch/cnemc-harvester/internal/metrics"
	"github.com/waterwatch/cnemc-harvester/internal/store"
)

func init() {
	metrics.Init()
}

// fakeReader serves canned data and records the filters it was called with.
type fakeReader struct {
	stations   []store.Station
	readings   []store.Reading
	counts     store.Counts
	err        error
	lastFilter store.StationFilter
	lastFrom   *time.Time
	lastTo     *time.Time
	lastLimit  int
}

func (f *fakeReader) ListStations(_ context.Context, filter store.StationFilter) ([]store.Station, error) {
	f.lastFilter = filter
	return f.stations, f.err
}

func (f *fakeReader) GetStation(_ context.Context, id int64) (store.Station, error) {
	if f.err != nil {
		return store.Station{}, f.err
	}
	for _, s := range f.stations {
		if s.ID == id {
			return s, nil
		}
	}
	return store.Station{}, store.ErrNotFound
}

func (f *fakeReader) ListReadings(_ context.Context, _ int64, from, to *time.Time, limit int) ([]store.Reading, error) {
	f.lastFrom, f.lastTo, f.lastLimit = from, to, limit
	return f.readings, f.err
}

func (f *fakeReader) TableCounts(_ context.Context) (store.Counts, error) {
	return f.counts, f.err
}

func sampleStation() store.Station {
	return store.Station{
		ID:          1,
		Province:    "湖南省",
		City:        "长沙市",
		Basin:       "长江流域",
		River:       "湘江",
		StationName: "湘江大桥",
	}
}

func newTestServer(t *testing.T, reader Reader) *httptest.Server {
	t.Helper()
	srv := NewServer(reader, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeReader{})
	var body map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &body))
	require.Equal(t, "ok", body["status"])
}

func TestReadyzUnavailable(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeReader{err: errors.New("down")})
	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/readyz", nil))
}

func TestListStations(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{stations: []store.Station{sampleStation()}}
	ts := newTestServer(t, reader)

	var body struct {
		Stations []store.Station `json:"stations"`
	}
	status := getJSON(t, ts.URL+"/v1/stations?province=%E6%B9%96%E5%8D%97%E7%9C%81&limit=10", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Stations, 1)
	require.Equal(t, "湘江大桥", body.Stations[0].StationName)
	require.Equal(t, "湖南省", reader.lastFilter.Province)
	require.Equal(t, 10, reader.lastFilter.Limit)
}

func TestListStationsEmptyIsArray(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeReader{})
	var body map[string]json.RawMessage
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/stations", &body))
	require.JSONEq(t, "[]", string(body["stations"]))
}

func TestListStationsBadLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeReader{})
	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/stations?limit=ten", nil))
}

func TestGetStation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeReader{stations: []store.Station{sampleStation()}})

	var body struct {
		Station store.Station `json:"station"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/stations/1", &body))
	require.Equal(t, int64(1), body.Station.ID)

	require.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/stations/42", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/stations/abc", nil))
}

func TestListReadings(t *testing.T) {
	t.Parallel()

	observed := time.Date(2025, 6, 15, 4, 0, 0, 0, time.UTC)
	reader := &fakeReader{
		stations: []store.Station{sampleStation()},
		readings: []store.Reading{{
			ID:         7,
			StationID:  1,
			ObservedAt: observed,
			BatchTime:  observed.Add(time.Minute),
			Payload:    map[string]any{"ph": 7.2},
		}},
	}
	ts := newTestServer(t, reader)

	var body struct {
		Readings []store.Reading `json:"readings"`
	}
	url := ts.URL + "/v1/stations/1/readings?from=2025-06-01T00:00:00Z&to=2025-06-30T00:00:00Z&limit=100"
	require.Equal(t, http.StatusOK, getJSON(t, url, &body))
	require.Len(t, body.Readings, 1)
	require.Equal(t, int64(7), body.Readings[0].ID)
	require.NotNil(t, reader.lastFrom)
	require.NotNil(t, reader.lastTo)
	require.Equal(t, 100, reader.lastLimit)
}

func TestListReadingsValidation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeReader{stations: []store.Station{sampleStation()}})

	cases := map[string]string{
		"bad from":      "/v1/stations/1/readings?from=yesterday",
		"bad to":        "/v1/stations/1/readings?to=2025-13-01",
		"from after to": "/v1/stations/1/readings?from=2025-06-30T00:00:00Z&to=2025-06-01T00:00:00Z",
		"huge limit":    "/v1/stations/1/readings?limit=999999",
	}
	for name, path := range cases {
		require.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+path, nil), name)
	}

	require.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/stations/42/readings", nil))
}

func TestCounts(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeReader{counts: store.Counts{Stations: 3, Readings: 12}})

	var body store.Counts
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/summary/counts", &body))
	require.Equal(t, int64(3), body.Stations)
	require.Equal(t, int64(12), body.Readings)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeReader{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
