// Package metrics exposes Prometheus collectors for the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	changesTotal       *prometheus.CounterVec
	notificationsTotal prometheus.Counter
	pollBatchesTotal   *prometheus.CounterVec
	historyWritesTotal *prometheus.CounterVec
	mismatchesTotal    *prometheus.CounterVec
	droppedTotal       *prometheus.CounterVec
	mqttPublishesTotal *prometheus.CounterVec
	devicesTracked     prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		changesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermd_state_changes_total",
			Help: "Characteristic value changes accepted by the change tracker, by source.",
		}, []string{"source"}),
		notificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thermd_push_notifications_total",
			Help: "Characteristic values received from the push stream.",
		}),
		pollBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermd_poll_batches_total",
			Help: "Polling batch reads by cadence and result.",
		}, []string{"cadence", "result"}),
		historyWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermd_history_writes_total",
			Help: "History bucket upserts by result.",
		}, []string{"result"}),
		mismatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermd_prediction_mismatches_total",
			Help: "Optimistic prediction fields that disagreed with the confirmed value.",
		}, []string{"field"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermd_eventbus_dropped_total",
			Help: "Events dropped because a worker queue was full.",
		}, []string{"type"}),
		mqttPublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermd_mqtt_publishes_total",
			Help: "MQTT state publications by kind and result.",
		}, []string{"kind", "result"}),
		devicesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "thermd_devices_tracked",
			Help: "Devices with in-memory state.",
		}),
	}

	reg.MustRegister(
		m.changesTotal,
		m.notificationsTotal,
		m.pollBatchesTotal,
		m.historyWritesTotal,
		m.mismatchesTotal,
		m.droppedTotal,
		m.mqttPublishesTotal,
		m.devicesTracked,
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) Change(source string) {
	if m == nil {
		return
	}
	m.changesTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) Notifications(n int) {
	if m == nil {
		return
	}
	m.notificationsTotal.Add(float64(n))
}

func (m *Metrics) PollBatch(cadence string, err error) {
	if m == nil {
		return
	}
	m.pollBatchesTotal.WithLabelValues(cadence, result(err)).Inc()
}

func (m *Metrics) HistoryWrite(err error) {
	if m == nil {
		return
	}
	m.historyWritesTotal.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) Mismatch(field string) {
	if m == nil {
		return
	}
	m.mismatchesTotal.WithLabelValues(field).Inc()
}

func (m *Metrics) Dropped(eventType string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) MQTTPublish(kind string, err error) {
	if m == nil {
		return
	}
	m.mqttPublishesTotal.WithLabelValues(kind, result(err)).Inc()
}

func (m *Metrics) DevicesTracked(n int) {
	if m == nil {
		return
	}
	m.devicesTracked.Set(float64(n))
}
