// Package engine wires the change tracker, state store, optimistic overlay
// and zone aggregator around the accessory link.
package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/accessory"
	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/eventbus"
	"github.com/dokzlo13/thermd/internal/history"
	"github.com/dokzlo13/thermd/internal/metrics"
	"github.com/dokzlo13/thermd/internal/optimistic"
	"github.com/dokzlo13/thermd/internal/registry"
	"github.com/dokzlo13/thermd/internal/state"
	"github.com/dokzlo13/thermd/internal/tracker"
	"github.com/dokzlo13/thermd/internal/zone"
)

var (
	ErrUnknownDevice      = errors.New("unknown device")
	ErrUnknownZone        = errors.New("unknown zone")
	ErrNoAccessory        = errors.New("device is not reachable through the accessory link")
	ErrNotWritable        = errors.New("field is not writable")
	ErrNoLeader           = errors.New("zone has no leader")
	ErrInvalidTemperature = errors.New("temperature out of range")
)

// StateEvent is published on the bus after a broadcast-worthy change.
type StateEvent struct {
	DeviceID int64
	ZoneID   *int64
}

// Config tunes the engine.
type Config struct {
	BootstrapBatchSize int
	OptimisticTimeout  time.Duration
	MinTemperature     float64
	MaxTemperature     float64
	Topology           []registry.ZoneSpec
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		BootstrapBatchSize: 10,
		OptimisticTimeout:  optimistic.DefaultTimeout,
		MinTemperature:     5,
		MaxTemperature:     30,
	}
}

// Deps are the collaborators the engine is built from.
type Deps struct {
	Link     accessory.Link
	Registry *registry.Registry
	History  state.HistoryRepository
	Bus      *eventbus.Bus
	Audit    registry.Auditor
	Metrics  *metrics.Metrics
}

// Engine is the synchronization core.
type Engine struct {
	config   Config
	link     accessory.Link
	registry *registry.Registry
	index    *accessory.Index
	tracker  *tracker.Tracker
	store    *state.Store
	overlay  *optimistic.Overlay
	zones    *zone.Aggregator
	bus      *eventbus.Bus
	audit    registry.Auditor
	metrics  *metrics.Metrics
	now      func() time.Time

	locks sync.Map // device id -> *sync.Mutex
	ready atomic.Bool
}

// New creates an engine. Bus, Audit and Metrics may be nil.
func New(deps Deps, config Config) *Engine {
	def := DefaultConfig()
	if config.BootstrapBatchSize <= 0 {
		config.BootstrapBatchSize = def.BootstrapBatchSize
	}
	if config.MinTemperature == 0 && config.MaxTemperature == 0 {
		config.MinTemperature, config.MaxTemperature = def.MinTemperature, def.MaxTemperature
	}

	e := &Engine{
		config:   config,
		link:     deps.Link,
		registry: deps.Registry,
		index:    accessory.NewIndex(nil),
		store:    state.NewStore(deps.History, deps.Metrics),
		overlay:  optimistic.New(config.OptimisticTimeout),
		bus:      deps.Bus,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		now:      time.Now,
	}
	e.tracker = tracker.New(deps.Registry, e.index, deps.Metrics)
	e.zones = zone.New(deps.Registry, e)
	return e
}

func (e *Engine) lock(deviceID int64) func() {
	m, _ := e.locks.LoadOrStore(deviceID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Index exposes the characteristic index for the poller.
func (e *Engine) Index() *accessory.Index { return e.index }

// Ready reports whether bootstrap has completed.
func (e *Engine) Ready() bool { return e.ready.Load() }

// Stats returns the change tracker counters.
func (e *Engine) Stats() tracker.Stats { return e.tracker.Stats() }

// Observe is the single entry point for pushed and polled values. It returns
// the changes that were applied to the state store.
func (e *Engine) Observe(ctx context.Context, updates []accessory.Update, source tracker.Source) []tracker.Change {
	var applied []tracker.Change
	for _, u := range updates {
		if c, ok := e.observeOne(ctx, u, source); ok {
			applied = append(applied, c)
		}
	}
	return applied
}

func (e *Engine) observeOne(ctx context.Context, u accessory.Update, source tracker.Source) (tracker.Change, bool) {
	if u.Value == nil {
		return tracker.Change{}, false
	}

	deviceID, mapped := e.registry.DeviceIDForAID(u.AID)
	if !mapped {
		// Still recorded so a later mapping does not see a stale "first" value
		e.tracker.Observe(u.Key, u.Value, source)
		return tracker.Change{}, false
	}

	unlock := e.lock(deviceID)
	c, ok := e.tracker.ObserveDevice(deviceID, u.Key, u.Value, source)
	if !ok {
		unlock()
		return tracker.Change{}, false
	}
	value, numeric := accessory.Numeric(c.New)
	if !numeric {
		unlock()
		log.Warn().
			Int64("device_id", c.DeviceID).
			Str("field", c.Field.String()).
			Interface("value", c.New).
			Msg("Dropping non-numeric characteristic value")
		return tracker.Change{}, false
	}
	changed := e.store.UpdateField(ctx, c.DeviceID, c.Field, value, e.now())
	unlock()

	if changed && c.Field.Broadcast() {
		e.publishState(c.DeviceID)
	}
	return c, true
}

func (e *Engine) publishState(deviceID int64) {
	if e.bus == nil {
		return
	}
	ev := StateEvent{DeviceID: deviceID}
	if d, ok := e.registry.Device(deviceID); ok {
		ev.ZoneID = d.ZoneID
	}
	e.bus.Publish(eventbus.Event{
		Type:    eventbus.EventTypeDeviceState,
		Key:     strconv.FormatInt(deviceID, 10),
		Payload: ev,
	})
}

// Listen forwards push notifications to the bus until ctx is done. Updates
// are keyed by accessory id so one accessory's notifications stay ordered.
func (e *Engine) Listen(ctx context.Context) error {
	if e.bus == nil {
		return e.link.Listen(ctx, func(updates []accessory.Update) {
			e.metrics.Notifications(len(updates))
			e.Observe(ctx, updates, tracker.SourceEvent)
		})
	}

	drainCtx := context.WithoutCancel(ctx)
	e.bus.Subscribe(eventbus.EventTypeNotification, func(ev eventbus.Event) {
		updates, _ := ev.Payload.([]accessory.Update)
		e.Observe(drainCtx, updates, tracker.SourceEvent)
	})

	return e.link.Listen(ctx, func(updates []accessory.Update) {
		e.metrics.Notifications(len(updates))
		byAID := make(map[int64][]accessory.Update)
		var order []int64
		for _, u := range updates {
			if _, seen := byAID[u.AID]; !seen {
				order = append(order, u.AID)
			}
			byAID[u.AID] = append(byAID[u.AID], u)
		}
		for _, aid := range order {
			e.bus.Publish(eventbus.Event{
				Type:    eventbus.EventTypeNotification,
				Key:     strconv.FormatInt(aid, 10),
				Payload: byAID[aid],
			})
		}
	})
}

// Current returns the confirmed state of a device.
func (e *Engine) Current(deviceID int64) device.State {
	return e.store.Current(deviceID)
}

// Real implements zone.States.
func (e *Engine) Real(deviceID int64) device.State {
	return e.store.Current(deviceID)
}

// Effective implements zone.States.
func (e *Engine) Effective(deviceID int64) device.State {
	return e.EffectiveState(deviceID)
}

// EffectiveState returns the confirmed state with any live prediction
// applied. A prediction that expires on this read is checked against the
// confirmed state.
func (e *Engine) EffectiveState(deviceID int64) device.State {
	eff, expired := e.overlay.Effective(deviceID, e.store.Current(deviceID))
	if len(expired) > 0 {
		e.reportMismatches(context.Background(), deviceID, expired)
	}
	return eff
}

// History returns stored buckets for a device, newest first.
func (e *Engine) History(ctx context.Context, deviceID int64, q history.Query) ([]history.Row, error) {
	if _, ok := e.registry.Device(deviceID); !ok {
		return nil, ErrUnknownDevice
	}
	return e.store.History(ctx, deviceID, q)
}

// Device returns the device with its confirmed state. Predictions are only
// visible through zone summaries.
func (e *Engine) Device(deviceID int64) (device.View, bool) {
	d, ok := e.registry.Device(deviceID)
	if !ok {
		return device.View{}, false
	}
	return device.NewView(d, e.store.Current(deviceID)), true
}

// Devices returns every registered device with its confirmed state.
func (e *Engine) Devices() []device.View {
	devices := e.registry.Devices()
	out := make([]device.View, 0, len(devices))
	for _, d := range devices {
		out = append(out, device.NewView(d, e.store.Current(d.ID)))
	}
	return out
}

// SummarizeZone returns the summary of one zone.
func (e *Engine) SummarizeZone(zoneID int64) (zone.Summary, error) {
	s, ok := e.zones.Summarize(zoneID)
	if !ok {
		return zone.Summary{}, ErrUnknownZone
	}
	return s, nil
}

// SummarizeZones returns every zone in display order.
func (e *Engine) SummarizeZones() []zone.Summary {
	return e.zones.SummarizeAll()
}
