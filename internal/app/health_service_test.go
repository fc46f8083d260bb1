package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/thermd/internal/config"
	"github.com/dokzlo13/thermd/internal/metrics"
	"github.com/dokzlo13/thermd/internal/tracker"
)

type fakeStatus struct {
	ready bool
	stats tracker.Stats
}

func (f *fakeStatus) Ready() bool          { return f.ready }
func (f *fakeStatus) Stats() tracker.Stats { return f.stats }

func TestHealthRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg).Change("event")

	status := &fakeStatus{stats: tracker.Stats{EventsReceived: 3, PollingChanges: 1, KnownValues: 12}}
	srv := httptest.NewServer(NewHealthService(&config.Config{}, status, reg).routes())
	defer srv.Close()

	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, get("/health").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready").StatusCode)

	status.ready = true
	assert.Equal(t, http.StatusOK, get("/ready").StatusCode)

	var stats map[string]float64
	require.NoError(t, json.NewDecoder(get("/stats").Body).Decode(&stats))
	assert.Equal(t, 3.0, stats["events_received"])
	assert.Equal(t, 1.0, stats["polling_changes"])
	assert.Equal(t, 12.0, stats["known_values"])

	assert.Equal(t, http.StatusOK, get("/metrics").StatusCode)
	assert.Equal(t, http.StatusNotFound, get("/devices").StatusCode)
}

func TestTopologyFromConfig(t *testing.T) {
	order := 2
	specs := topology([]config.ZoneConfig{{
		Name:  "Floor",
		Order: &order,
		Devices: []config.ZoneDeviceConfig{
			{Serial: "RU0000000001", Leader: true, CircuitDriver: true},
			{Serial: "VA0000000002"},
		},
	}})

	require.Len(t, specs, 1)
	assert.Equal(t, "Floor", specs[0].Name)
	assert.Equal(t, &order, specs[0].Order)
	require.Len(t, specs[0].Devices, 2)
	assert.True(t, specs[0].Devices[0].CircuitDriver)
	assert.Equal(t, "VA0000000002", specs[0].Devices[1].Serial)
}
