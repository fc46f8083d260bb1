package device

import (
	"fmt"
	"math"
	"strings"
)

// Type classifies a physical device.
type Type string

const (
	TypeThermostat       Type = "thermostat"
	TypeRadiatorValve    Type = "radiator_valve"
	TypeInternetBridge   Type = "internet_bridge"
	TypeWirelessReceiver Type = "wireless_receiver"
	TypeSmartAC          Type = "smart_ac_control"
	TypeUnknown          Type = "unknown"
)

var serialPrefixes = map[string]Type{
	"IB": TypeInternetBridge,
	"RU": TypeThermostat,
	"VA": TypeRadiatorValve,
	"WR": TypeWirelessReceiver,
	"SU": TypeSmartAC,
}

// TypeFromSerial derives the device type from the two-letter serial prefix.
func TypeFromSerial(serial string) Type {
	if len(serial) < 2 {
		return TypeUnknown
	}
	if t, ok := serialPrefixes[strings.ToUpper(serial[:2])]; ok {
		return t
	}
	return TypeUnknown
}

// ParseType accepts a stored type name; unknown names map to TypeUnknown.
func ParseType(s string) Type {
	switch t := Type(s); t {
	case TypeThermostat, TypeRadiatorValve, TypeInternetBridge, TypeWirelessReceiver, TypeSmartAC:
		return t
	}
	return TypeUnknown
}

// PlaceholderName builds a name for a device that has not reported one,
// e.g. "thermostat_123456".
func PlaceholderName(t Type, serial string) string {
	tail := serial
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	return fmt.Sprintf("%s_%s", t, tail)
}

// Device is a physical unit identified by its serial number. The accessory id
// is the gateway's current numbering and may change between sessions.
type Device struct {
	ID              int64   `json:"device_id"`
	Serial          string  `json:"serial_number"`
	AID             int64   `json:"aid,omitempty"`
	ZoneID          *int64  `json:"zone_id,omitempty"`
	Type            Type    `json:"device_type"`
	Name            string  `json:"name"`
	Model           string  `json:"model,omitempty"`
	Manufacturer    string  `json:"manufacturer,omitempty"`
	IsZoneLeader    bool    `json:"is_zone_leader"`
	IsCircuitDriver bool    `json:"is_circuit_driver"`
	BatteryState    *string `json:"battery_state,omitempty"`
}

// Zone groups devices. A zone may have a designated leader device.
type Zone struct {
	ID              int64  `json:"zone_id"`
	UUID            string `json:"uuid"`
	Name            string `json:"name"`
	LeaderDeviceID  *int64 `json:"leader_device_id,omitempty"`
	OrderIndex      *int   `json:"order_id,omitempty"`
	IsCircuitDriver bool   `json:"is_circuit_driver"`
}

// CelsiusToFahrenheit converts and rounds to one decimal place.
func CelsiusToFahrenheit(c float64) float64 {
	return math.Round((c*9/5+32)*10) / 10
}

func toF(c *float64) *float64 {
	if c == nil {
		return nil
	}
	f := CelsiusToFahrenheit(*c)
	return &f
}

// View is the broadcast form of a device with its state.
type View struct {
	Device
	State

	CurrentTemperatureF *float64 `json:"current_temperature_f,omitempty"`
	TargetTemperatureF  *float64 `json:"target_temperature_f,omitempty"`
	CurHeating          int      `json:"cur_heating"`
	BatteryLow          bool     `json:"battery_low"`
}

// NewView combines a device with a state snapshot.
func NewView(d Device, s State) View {
	v := View{
		Device:              d,
		State:               s.Clone(),
		CurrentTemperatureF: toF(s.CurrentTemperature),
		TargetTemperatureF:  toF(s.TargetTemperature),
	}
	if s.Heating() {
		v.CurHeating = 1
	}
	switch {
	case d.BatteryState != nil:
		v.BatteryLow = strings.EqualFold(*d.BatteryState, "LOW")
	case s.StatusLowBattery != nil:
		v.BatteryLow = *s.StatusLowBattery == 1
	}
	return v
}
