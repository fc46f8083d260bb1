package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Change("event")
	m.Change("event")
	m.Change("poll")
	m.HistoryWrite(nil)
	m.HistoryWrite(errors.New("disk full"))
	m.Mismatch("target_temperature")
	m.DevicesTracked(3)

	out := scrape(t, reg)
	assert.Contains(t, out, `thermd_state_changes_total{source="event"} 2`)
	assert.Contains(t, out, `thermd_state_changes_total{source="poll"} 1`)
	assert.Contains(t, out, `thermd_history_writes_total{result="error"} 1`)
	assert.Contains(t, out, `thermd_prediction_mismatches_total{field="target_temperature"} 1`)
	assert.Contains(t, out, `thermd_devices_tracked 3`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Change("event")
		m.Notifications(3)
		m.PollBatch("fast", nil)
		m.HistoryWrite(nil)
		m.Mismatch("x")
		m.Dropped("x")
		m.MQTTPublish("device", nil)
		m.DevicesTracked(1)
	})
}
