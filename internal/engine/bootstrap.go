package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/accessory"
	"github.com/dokzlo13/thermd/internal/catalog"
	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/registry"
	"github.com/dokzlo13/thermd/internal/tracker"
)

// Bootstrap loads persisted state, registers the gateway's accessories,
// reads every tracked characteristic once without logging, and subscribes
// to push notifications. Listen should be started after it returns.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if err := e.registry.Load(ctx); err != nil {
		return err
	}
	if _, err := e.store.Load(ctx); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	accessories, err := e.link.Accessories(ctx)
	if err != nil {
		return err
	}
	registered := 0
	for _, a := range accessories {
		info := a.Info()
		if info.Serial == "" {
			log.Warn().Int64("aid", a.AID).Msg("Accessory has no serial number, skipping")
			continue
		}
		_, err := e.registry.GetOrCreateDevice(ctx, registry.Sighting{
			Serial:       info.Serial,
			AID:          a.AID,
			Type:         detectType(info.Serial, a),
			Name:         info.Name,
			Model:        info.Model,
			Manufacturer: info.Manufacturer,
		})
		if err != nil {
			return fmt.Errorf("failed to register accessory %d: %w", a.AID, err)
		}
		registered++
	}
	e.index.Rebuild(accessories)

	if len(e.config.Topology) > 0 {
		if err := e.registry.ApplyTopology(ctx, e.config.Topology); err != nil {
			return err
		}
	}

	seeded := e.seedTracker()
	log.Info().
		Int("accessories", registered).
		Int("characteristics", e.index.Len()).
		Int("seeded", seeded).
		Msg("Accessories registered")

	e.initialRead(ctx)

	if err := e.link.Subscribe(ctx, e.index.Monitored()); err != nil {
		// Polling still covers every monitored characteristic
		log.Warn().Err(err).Msg("Failed to subscribe to push notifications")
	}

	e.ready.Store(true)
	log.Info().Msg("Bootstrap complete")
	return nil
}

func detectType(serial string, a accessory.Accessory) device.Type {
	if t := device.TypeFromSerial(serial); t != device.TypeUnknown {
		return t
	}
	switch {
	case a.HasService(catalog.ServiceHeaterCooler):
		return device.TypeSmartAC
	case a.HasService(catalog.ServiceThermostat):
		return device.TypeThermostat
	}
	return device.TypeUnknown
}

// seedTracker primes the tracker with persisted values so the first read
// after a restart is not reported as a change.
func (e *Engine) seedTracker() int {
	n := 0
	for _, d := range e.registry.Devices() {
		if d.AID == 0 {
			continue
		}
		s := e.store.Current(d.ID)
		for _, f := range s.Present() {
			k, ok := e.index.KeyFor(d.AID, f)
			if !ok {
				continue
			}
			v, _ := s.Get(f)
			e.tracker.Seed(k, v)
			n++
		}
	}
	return n
}

func (e *Engine) initialRead(ctx context.Context) {
	e.tracker.SetBootstrapping(true)
	defer e.tracker.SetBootstrapping(false)

	keys := e.index.Readable()
	applied := 0
	for _, batch := range accessory.Batches(keys, e.config.BootstrapBatchSize) {
		values, err := e.link.GetCharacteristics(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Int("batch", len(batch)).Msg("Initial read batch failed")
			continue
		}
		updates := make([]accessory.Update, 0, len(values))
		for _, k := range batch {
			if v, ok := values[k]; ok {
				updates = append(updates, accessory.Update{Key: k, Value: v})
			}
		}
		applied += len(e.Observe(ctx, updates, tracker.SourcePoll))
	}
	log.Info().Int("characteristics", len(keys)).Int("changes", applied).Msg("Initial state read")
}
