package mqtt

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/engine"
	"github.com/dokzlo13/thermd/internal/eventbus"
	"github.com/dokzlo13/thermd/internal/metrics"
	"github.com/dokzlo13/thermd/internal/zone"
)

// Sink is the transport the publisher writes to. *Client implements it.
type Sink interface {
	Publish(topic string, retained bool, payload []byte) error
}

// Source supplies the views that get published.
type Source interface {
	Device(deviceID int64) (device.View, bool)
	Devices() []device.View
	SummarizeZone(zoneID int64) (zone.Summary, error)
	SummarizeZones() []zone.Summary
}

// Publisher turns state events into retained device and zone messages.
type Publisher struct {
	sink    Sink
	source  Source
	metrics *metrics.Metrics
}

// NewPublisher creates a publisher.
func NewPublisher(sink Sink, source Source, m *metrics.Metrics) *Publisher {
	return &Publisher{sink: sink, source: source, metrics: m}
}

// Register subscribes the publisher to device state events.
func (p *Publisher) Register(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeDeviceState, p.Handle)
}

// Handle publishes the device named by a state event and its zone.
func (p *Publisher) Handle(ev eventbus.Event) {
	se, ok := ev.Payload.(engine.StateEvent)
	if !ok {
		return
	}
	if v, ok := p.source.Device(se.DeviceID); ok {
		p.publishDevice(v)
	}
	if se.ZoneID != nil {
		s, err := p.source.SummarizeZone(*se.ZoneID)
		if err != nil {
			log.Debug().Err(err).Int64("zone_id", *se.ZoneID).Msg("Skipping zone publish")
			return
		}
		p.publishZone(s)
	}
}

// PublishAll publishes every device and zone. Used once the engine is ready
// so retained topics start out complete.
func (p *Publisher) PublishAll() {
	for _, v := range p.source.Devices() {
		p.publishDevice(v)
	}
	for _, s := range p.source.SummarizeZones() {
		p.publishZone(s)
	}
}

func (p *Publisher) publishDevice(v device.View) {
	p.publish("device", DeviceTopic(v.Serial), v)
}

func (p *Publisher) publishZone(s zone.Summary) {
	p.publish("zone", ZoneTopic(s.ZoneID), s)
}

func (p *Publisher) publish(kind, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal state message")
		return
	}
	err = p.sink.Publish(topic, true, payload)
	p.metrics.MQTTPublish(kind, err)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Failed to publish state message")
	}
}

// DeviceTopic is the state topic of a device, relative to the prefix.
func DeviceTopic(serial string) string {
	return "devices/" + serial + "/state"
}

// ZoneTopic is the state topic of a zone, relative to the prefix.
func ZoneTopic(zoneID int64) string {
	return fmt.Sprintf("zones/%d/state", zoneID)
}
