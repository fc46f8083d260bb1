package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/accessory"
	"github.com/dokzlo13/thermd/internal/catalog"
	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/ledger"
	"github.com/dokzlo13/thermd/internal/optimistic"
)

// ErrNoFields is returned by SetDeviceFields when nothing was requested.
var ErrNoFields = errors.New("no fields to set")

// ZoneCommand is a zone-level control request. Nil fields are left alone.
type ZoneCommand struct {
	TargetTemperature *float64 `json:"temperature,omitempty"`
	HeatingEnabled    *bool    `json:"heating_enabled,omitempty"`
}

// SetPrediction records predicted fields for a device. The prediction
// replaces any previous one for the device.
func (e *Engine) SetPrediction(deviceID int64, fields device.State) error {
	if _, ok := e.registry.Device(deviceID); !ok {
		return ErrUnknownDevice
	}
	unlock := e.lock(deviceID)
	e.overlay.Set(deviceID, fields)
	unlock()

	e.publishState(deviceID)
	return nil
}

// ClearPrediction drops the device's prediction and reports the fields the
// device did not take as predicted. Mismatches are diagnostics only.
func (e *Engine) ClearPrediction(ctx context.Context, deviceID int64) []optimistic.Mismatch {
	unlock := e.lock(deviceID)
	mismatches := e.overlay.Clear(deviceID, e.store.Current(deviceID))
	unlock()

	e.reportMismatches(ctx, deviceID, mismatches)
	return mismatches
}

// SetDeviceFields writes the given fields to the device. The values become
// visible to zone summaries immediately as a prediction; a failed write
// removes the prediction again.
func (e *Engine) SetDeviceFields(ctx context.Context, deviceID int64, fields device.State) error {
	d, ok := e.registry.Device(deviceID)
	if !ok {
		return ErrUnknownDevice
	}
	present := fields.Present()
	if len(present) == 0 {
		return ErrNoFields
	}
	if d.AID == 0 {
		return ErrNoAccessory
	}

	writes := make([]accessory.Write, 0, len(present))
	for _, f := range present {
		if !catalog.Writable(f) {
			return fmt.Errorf("%s: %w", f, ErrNotWritable)
		}
		key, ok := e.index.KeyFor(d.AID, f)
		if !ok {
			return fmt.Errorf("%s: %w", f, ErrNoAccessory)
		}
		v, _ := fields.Get(f)
		if f == device.FieldTargetTemperature && (v < e.config.MinTemperature || v > e.config.MaxTemperature) {
			return fmt.Errorf("%.1f: %w", v, ErrInvalidTemperature)
		}
		var value any = v
		if f.Integral() {
			value = int(v)
		}
		writes = append(writes, accessory.Write{Key: key, Value: value})
	}

	if err := e.SetPrediction(deviceID, fields); err != nil {
		return err
	}

	if err := e.link.PutCharacteristics(ctx, writes); err != nil {
		unlock := e.lock(deviceID)
		e.overlay.Clear(deviceID, device.State{})
		unlock()
		e.publishState(deviceID)
		return fmt.Errorf("failed to write device %d: %w", deviceID, err)
	}

	log.Info().
		Int64("device_id", deviceID).
		Int("fields", len(writes)).
		Msg("Device fields written")
	return nil
}

// ControlZone applies a zone command to the zone's leader.
func (e *Engine) ControlZone(ctx context.Context, zoneID int64, cmd ZoneCommand) error {
	if _, ok := e.registry.Zone(zoneID); !ok {
		return ErrUnknownZone
	}
	leader, ok := e.zones.Leader(zoneID)
	if !ok {
		return ErrNoLeader
	}

	var fields device.State
	payload := map[string]any{"zone_id": zoneID}
	if cmd.TargetTemperature != nil {
		t := *cmd.TargetTemperature
		if t < e.config.MinTemperature || t > e.config.MaxTemperature {
			return fmt.Errorf("%.1f: %w", t, ErrInvalidTemperature)
		}
		fields.TargetTemperature = device.Float(t)
		payload["temperature"] = t
	}
	if cmd.HeatingEnabled != nil {
		mode := device.ModeOff
		if *cmd.HeatingEnabled {
			mode = device.ModeHeat
		}
		fields.TargetHeatingCoolingState = device.Int(mode)
		payload["heating_enabled"] = *cmd.HeatingEnabled
	}
	if fields.IsEmpty() {
		return ErrNoFields
	}

	if err := e.SetDeviceFields(ctx, leader.ID, fields); err != nil {
		return err
	}
	e.record(ctx, ledger.EventZoneControl, leader.ID, payload)
	return nil
}

// reportMismatches logs and records predicted fields the device did not take.
func (e *Engine) reportMismatches(ctx context.Context, deviceID int64, mismatches []optimistic.Mismatch) {
	for _, m := range mismatches {
		log.Info().
			Int64("device_id", deviceID).
			Str("field", m.Field.String()).
			Float64("predicted", m.Predicted).
			Float64("actual", m.Actual).
			Msg("Device state differs from prediction")
		e.metrics.Mismatch(m.Field.String())
		e.record(ctx, ledger.EventPredictionMismatch, deviceID, map[string]any{
			"field":     m.Field.String(),
			"predicted": m.Predicted,
			"actual":    m.Actual,
		})
	}
}

func (e *Engine) record(ctx context.Context, t ledger.EventType, deviceID int64, payload map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(ctx, t, deviceID, "engine", payload); err != nil {
		log.Warn().Err(err).Str("event", string(t)).Int64("device_id", deviceID).Msg("Failed to record ledger entry")
	}
}
