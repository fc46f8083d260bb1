package mqtt

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/engine"
	"github.com/dokzlo13/thermd/internal/eventbus"
	"github.com/dokzlo13/thermd/internal/zone"
)

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeSink struct {
	messages []message
	err      error
}

func (s *fakeSink) Publish(topic string, retained bool, payload []byte) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, message{topic, retained, payload})
	return nil
}

type fakeSource struct {
	devices map[int64]device.View
	zones   map[int64]zone.Summary
}

func (s fakeSource) Device(id int64) (device.View, bool) { v, ok := s.devices[id]; return v, ok }
func (s fakeSource) Devices() []device.View {
	var out []device.View
	for _, v := range s.devices {
		out = append(out, v)
	}
	return out
}
func (s fakeSource) SummarizeZone(id int64) (zone.Summary, error) {
	z, ok := s.zones[id]
	if !ok {
		return zone.Summary{}, engine.ErrUnknownZone
	}
	return z, nil
}
func (s fakeSource) SummarizeZones() []zone.Summary {
	var out []zone.Summary
	for _, z := range s.zones {
		out = append(out, z)
	}
	return out
}

func testSource() fakeSource {
	zoneID := int64(3)
	return fakeSource{
		devices: map[int64]device.View{
			1: device.NewView(
				device.Device{ID: 1, Serial: "RU0000000001", ZoneID: &zoneID, Type: device.TypeThermostat},
				device.State{CurrentTemperature: device.Float(21)},
			),
		},
		zones: map[int64]zone.Summary{3: {ZoneID: 3, Name: "Living", Mode: 1}},
	}
}

func TestHandlePublishesDeviceAndZone(t *testing.T) {
	sink := &fakeSink{}
	p := NewPublisher(sink, testSource(), nil)
	zoneID := int64(3)

	p.Handle(eventbus.Event{Type: eventbus.EventTypeDeviceState, Payload: engine.StateEvent{DeviceID: 1, ZoneID: &zoneID}})

	require.Len(t, sink.messages, 2)
	assert.Equal(t, "devices/RU0000000001/state", sink.messages[0].topic)
	assert.True(t, sink.messages[0].retained)
	assert.Equal(t, "zones/3/state", sink.messages[1].topic)

	var body map[string]any
	require.NoError(t, json.Unmarshal(sink.messages[0].payload, &body))
	assert.Equal(t, 21.0, body["current_temperature"])
	assert.Equal(t, 69.8, body["current_temperature_f"])

	require.NoError(t, json.Unmarshal(sink.messages[1].payload, &body))
	assert.Equal(t, "Living", body["name"])
}

func TestHandleSkipsUnknown(t *testing.T) {
	sink := &fakeSink{}
	p := NewPublisher(sink, testSource(), nil)
	missing := int64(99)

	p.Handle(eventbus.Event{Payload: engine.StateEvent{DeviceID: 42, ZoneID: &missing}})
	p.Handle(eventbus.Event{Payload: "not a state event"})
	assert.Empty(t, sink.messages)
}

func TestPublishAllSurvivesSinkErrors(t *testing.T) {
	sink := &fakeSink{err: errors.New("broker down")}
	p := NewPublisher(sink, testSource(), nil)
	assert.NotPanics(t, p.PublishAll)

	sink.err = nil
	p.PublishAll()
	assert.Len(t, sink.messages, 2)
}

func TestBuildTopic(t *testing.T) {
	c, err := New(Config{Broker: "tcp://localhost:1883", Prefix: "thermd"})
	require.NoError(t, err)
	assert.Equal(t, "thermd/zones/1/state", c.buildTopic(ZoneTopic(1)))
	assert.ErrorIs(t, c.Publish("x", false, nil), ErrNotConnected)

	_, err = New(Config{})
	assert.Error(t, err)
}
