// Package device defines the device, zone and state model shared by the
// synchronization engine.
package device

import (
	"math"
	"time"
)

// Field identifies one tracked state value of a device.
type Field int

const (
	FieldCurrentTemperature Field = iota
	FieldTargetTemperature
	FieldCurrentHeatingCoolingState
	FieldTargetHeatingCoolingState
	FieldHeatingThreshold
	FieldCoolingThreshold
	FieldDisplayUnits
	FieldBatteryLevel
	FieldStatusLowBattery
	FieldHumidity
	FieldTargetHumidity
	FieldActiveState
	FieldValvePosition

	fieldCount
)

// fieldNames doubles as the history column names.
var fieldNames = [fieldCount]string{
	FieldCurrentTemperature:         "current_temperature",
	FieldTargetTemperature:          "target_temperature",
	FieldCurrentHeatingCoolingState: "current_heating_cooling_state",
	FieldTargetHeatingCoolingState:  "target_heating_cooling_state",
	FieldHeatingThreshold:           "heating_threshold_temperature",
	FieldCoolingThreshold:           "cooling_threshold_temperature",
	FieldDisplayUnits:               "temperature_display_units",
	FieldBatteryLevel:               "battery_level",
	FieldStatusLowBattery:           "status_low_battery",
	FieldHumidity:                   "humidity",
	FieldTargetHumidity:             "target_humidity",
	FieldActiveState:                "active_state",
	FieldValvePosition:              "valve_position",
}

// String returns the field's column name.
func (f Field) String() string {
	if !f.Valid() {
		return "unknown"
	}
	return fieldNames[f]
}

// Valid reports whether f is a known field.
func (f Field) Valid() bool {
	return f >= 0 && f < fieldCount
}

// Integral reports whether the field holds an enumerated or whole-number value.
func (f Field) Integral() bool {
	switch f {
	case FieldCurrentHeatingCoolingState, FieldTargetHeatingCoolingState,
		FieldDisplayUnits, FieldBatteryLevel, FieldStatusLowBattery,
		FieldActiveState, FieldValvePosition:
		return true
	}
	return false
}

// Fields returns every field in column order.
func Fields() []Field {
	out := make([]Field, 0, fieldCount)
	for f := Field(0); f < fieldCount; f++ {
		out = append(out, f)
	}
	return out
}

// ParseField maps a column name back to its field.
func ParseField(name string) (Field, bool) {
	for f := Field(0); f < fieldCount; f++ {
		if fieldNames[f] == name {
			return f, true
		}
	}
	return 0, false
}

// Heating/cooling state values reported by thermostats.
const (
	ModeOff  = 0
	ModeHeat = 1
	ModeCool = 2
	ModeAuto = 3
)

// State is the current value set of a device. Every field is optional: nil
// means "not observed yet", which is distinct from zero.
type State struct {
	CurrentTemperature         *float64 `json:"current_temperature,omitempty"`
	TargetTemperature          *float64 `json:"target_temperature,omitempty"`
	CurrentHeatingCoolingState *int     `json:"current_heating_cooling_state,omitempty"`
	TargetHeatingCoolingState  *int     `json:"target_heating_cooling_state,omitempty"`
	HeatingThreshold           *float64 `json:"heating_threshold_temperature,omitempty"`
	CoolingThreshold           *float64 `json:"cooling_threshold_temperature,omitempty"`
	DisplayUnits               *int     `json:"temperature_display_units,omitempty"`
	BatteryLevel               *int     `json:"battery_level,omitempty"`
	StatusLowBattery           *int     `json:"status_low_battery,omitempty"`
	Humidity                   *float64 `json:"humidity,omitempty"`
	TargetHumidity             *float64 `json:"target_humidity,omitempty"`
	ActiveState                *int     `json:"active_state,omitempty"`
	ValvePosition              *int     `json:"valve_position,omitempty"`

	LastUpdate time.Time `json:"last_update,omitempty"`
}

func (s *State) floatSlot(f Field) **float64 {
	switch f {
	case FieldCurrentTemperature:
		return &s.CurrentTemperature
	case FieldTargetTemperature:
		return &s.TargetTemperature
	case FieldHeatingThreshold:
		return &s.HeatingThreshold
	case FieldCoolingThreshold:
		return &s.CoolingThreshold
	case FieldHumidity:
		return &s.Humidity
	case FieldTargetHumidity:
		return &s.TargetHumidity
	}
	return nil
}

func (s *State) intSlot(f Field) **int {
	switch f {
	case FieldCurrentHeatingCoolingState:
		return &s.CurrentHeatingCoolingState
	case FieldTargetHeatingCoolingState:
		return &s.TargetHeatingCoolingState
	case FieldDisplayUnits:
		return &s.DisplayUnits
	case FieldBatteryLevel:
		return &s.BatteryLevel
	case FieldStatusLowBattery:
		return &s.StatusLowBattery
	case FieldActiveState:
		return &s.ActiveState
	case FieldValvePosition:
		return &s.ValvePosition
	}
	return nil
}

// Get returns the value of a field and whether it is set.
func (s *State) Get(f Field) (float64, bool) {
	if f.Integral() {
		slot := s.intSlot(f)
		if slot == nil || *slot == nil {
			return 0, false
		}
		return float64(**slot), true
	}
	slot := s.floatSlot(f)
	if slot == nil || *slot == nil {
		return 0, false
	}
	return **slot, true
}

// Set stores a value. Integral fields are rounded to the nearest whole number.
func (s *State) Set(f Field, v float64) {
	if f.Integral() {
		if slot := s.intSlot(f); slot != nil {
			i := int(math.Round(v))
			*slot = &i
		}
		return
	}
	if slot := s.floatSlot(f); slot != nil {
		*slot = &v
	}
}

// Unset clears a field back to "unknown".
func (s *State) Unset(f Field) {
	if f.Integral() {
		if slot := s.intSlot(f); slot != nil {
			*slot = nil
		}
		return
	}
	if slot := s.floatSlot(f); slot != nil {
		*slot = nil
	}
}

// Has reports whether a field is set.
func (s *State) Has(f Field) bool {
	_, ok := s.Get(f)
	return ok
}

// Present lists the fields that are set, in column order.
func (s State) Present() []Field {
	var out []Field
	for _, f := range Fields() {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// IsEmpty reports whether no field is set.
func (s State) IsEmpty() bool {
	return len(s.Present()) == 0
}

// Clone returns a deep copy that shares no pointers with s.
func (s State) Clone() State {
	out := State{LastUpdate: s.LastUpdate}
	for _, f := range Fields() {
		if v, ok := s.Get(f); ok {
			out.Set(f, v)
		}
	}
	return out
}

// Equal compares the data fields of two states. LastUpdate is ignored.
func (s State) Equal(other State) bool {
	for _, f := range Fields() {
		a, aok := s.Get(f)
		b, bok := other.Get(f)
		if aok != bok || a != b {
			return false
		}
	}
	return true
}

// Overlay returns a copy of s with every field set in over taking precedence.
func (s State) Overlay(over State) State {
	out := s.Clone()
	for _, f := range over.Present() {
		v, _ := over.Get(f)
		out.Set(f, v)
	}
	return out
}

// Heating reports whether the device is actively heating.
func (s State) Heating() bool {
	return s.CurrentHeatingCoolingState != nil && *s.CurrentHeatingCoolingState == ModeHeat
}

// Float returns a pointer to a float64, for building states in literals.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to an int, for building states in literals.
func Int(v int) *int { return &v }

// Broadcast reports whether a change to the field is pushed to state
// subscribers. Battery and threshold updates only reach history.
func (f Field) Broadcast() bool {
	switch f {
	case FieldCurrentTemperature, FieldTargetTemperature,
		FieldCurrentHeatingCoolingState, FieldTargetHeatingCoolingState,
		FieldHumidity, FieldValvePosition:
		return true
	}
	return false
}
