// Package tracker deduplicates raw characteristic values arriving from the
// push stream and the poller, and resolves them to device fields.
package tracker

import (
	"reflect"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/accessory"
	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/metrics"
)

// Source is where a value came from.
type Source string

const (
	SourceEvent Source = "event"
	SourcePoll  Source = "poll"
)

// Change is an accepted, resolved value change.
type Change struct {
	Key      accessory.Key
	DeviceID int64
	Field    device.Field
	Old      any // previous raw value, nil when first seen
	New      any
	Source   Source
}

// Devices resolves an accessory id to the device that currently holds it.
type Devices interface {
	DeviceIDForAID(aid int64) (int64, bool)
}

// Fields resolves a characteristic key to a tracked field.
type Fields interface {
	Field(k accessory.Key) (device.Field, bool)
}

// Stats are the tracker counters.
type Stats struct {
	EventsReceived uint64 `json:"events_received"`
	PollingChanges uint64 `json:"polling_changes"`
	KnownValues    int    `json:"known_values"`
}

// Tracker remembers the last raw value per characteristic.
type Tracker struct {
	devices Devices
	fields  Fields
	metrics *metrics.Metrics

	mu            sync.Mutex
	last          map[accessory.Key]any
	bootstrapping bool
	stats         Stats
}

// New creates a tracker. m may be nil.
func New(devices Devices, fields Fields, m *metrics.Metrics) *Tracker {
	return &Tracker{
		devices: devices,
		fields:  fields,
		metrics: m,
		last:    make(map[accessory.Key]any),
	}
}

// SetBootstrapping toggles silent mode: while set, accepted changes are
// neither counted nor logged.
func (t *Tracker) SetBootstrapping(on bool) {
	t.mu.Lock()
	t.bootstrapping = on
	t.mu.Unlock()
}

// Seed records a value known from persisted state without producing a change.
func (t *Tracker) Seed(k accessory.Key, raw any) {
	if raw == nil {
		return
	}
	t.mu.Lock()
	t.last[k] = raw
	t.mu.Unlock()
}

// Observe records a raw value. It returns the resolved change and true when
// the value differs from the last one recorded for the key and the key
// resolves to a device field.
func (t *Tracker) Observe(k accessory.Key, raw any, source Source) (Change, bool) {
	deviceID, mapped := t.devices.DeviceIDForAID(k.AID)
	return t.observe(k, raw, source, deviceID, mapped)
}

// ObserveDevice is Observe for a key whose accessory the caller has already
// resolved to deviceID. Callers holding a per-device lock use it so the
// change is attributed to the device they locked.
func (t *Tracker) ObserveDevice(deviceID int64, k accessory.Key, raw any, source Source) (Change, bool) {
	return t.observe(k, raw, source, deviceID, true)
}

func (t *Tracker) observe(k accessory.Key, raw any, source Source, deviceID int64, mapped bool) (Change, bool) {
	if raw == nil {
		return Change{}, false
	}

	t.mu.Lock()
	old, seen := t.last[k]
	if seen && reflect.DeepEqual(old, raw) {
		t.mu.Unlock()
		return Change{}, false
	}
	t.last[k] = raw
	silent := t.bootstrapping
	if !silent {
		switch source {
		case SourceEvent:
			t.stats.EventsReceived++
		case SourcePoll:
			t.stats.PollingChanges++
		}
	}
	t.mu.Unlock()

	if !silent {
		t.metrics.Change(string(source))
	}

	if !mapped {
		log.Debug().
			Int64("aid", k.AID).
			Int64("iid", k.IID).
			Msg("Dropping value for unmapped accessory")
		return Change{}, false
	}
	field, ok := t.fields.Field(k)
	if !ok {
		log.Debug().
			Int64("aid", k.AID).
			Int64("iid", k.IID).
			Msg("Dropping value for untracked characteristic")
		return Change{}, false
	}

	c := Change{Key: k, DeviceID: deviceID, Field: field, Old: old, New: raw, Source: source}
	if !silent {
		log.Info().
			Str("source", string(source)).
			Int64("device_id", deviceID).
			Str("field", field.String()).
			Interface("old", old).
			Interface("new", raw).
			Msg("Characteristic changed")
	}
	return c, true
}

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.KnownValues = len(t.last)
	return s
}
