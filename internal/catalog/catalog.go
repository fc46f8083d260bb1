// Package catalog maps HomeKit characteristic and service types to the
// tracked state fields and human-readable names.
package catalog

import (
	"strings"

	"github.com/dokzlo13/thermd/internal/device"
)

const appleSuffix = "-0000-1000-8000-0026BB765291"

// Service types
const (
	ServiceAccessoryInformation = "0000003E" + appleSuffix
	ServiceThermostat           = "0000004A" + appleSuffix
	ServiceHeaterCooler         = "000000BC" + appleSuffix
)

// Accessory information characteristics
const (
	CharManufacturer = "00000020" + appleSuffix
	CharModel        = "00000021" + appleSuffix
	CharName         = "00000023" + appleSuffix
	CharSerialNumber = "00000030" + appleSuffix
)

// Entry describes one known characteristic type.
type Entry struct {
	UUID     string
	Name     string
	Field    device.Field
	Tracked  bool
	Writable bool
}

var entries = map[string]Entry{}

func add(short, name string, f device.Field, tracked, writable bool) {
	uuid := short + appleSuffix
	entries[uuid] = Entry{UUID: uuid, Name: name, Field: f, Tracked: tracked, Writable: writable}
}

func init() {
	add("00000011", "CurrentTemperature", device.FieldCurrentTemperature, true, false)
	add("00000035", "TargetTemperature", device.FieldTargetTemperature, true, true)
	add("0000000F", "CurrentHeatingCoolingState", device.FieldCurrentHeatingCoolingState, true, false)
	add("00000033", "TargetHeatingCoolingState", device.FieldTargetHeatingCoolingState, true, true)
	add("00000012", "HeatingThresholdTemperature", device.FieldHeatingThreshold, true, false)
	add("0000000D", "CoolingThresholdTemperature", device.FieldCoolingThreshold, true, false)
	add("00000036", "TemperatureDisplayUnits", device.FieldDisplayUnits, true, false)
	add("00000068", "BatteryLevel", device.FieldBatteryLevel, true, false)
	add("00000079", "StatusLowBattery", device.FieldStatusLowBattery, true, false)
	add("00000010", "CurrentRelativeHumidity", device.FieldHumidity, true, false)
	add("00000034", "TargetRelativeHumidity", device.FieldTargetHumidity, true, true)
	add("000000B0", "Active", device.FieldActiveState, true, false)
	add("0000004F", "ValvePosition", device.FieldValvePosition, true, false)

	add("00000020", "Manufacturer", 0, false, false)
	add("00000021", "Model", 0, false, false)
	add("00000023", "Name", 0, false, false)
	add("00000030", "SerialNumber", 0, false, false)
	add("00000052", "FirmwareRevision", 0, false, false)
	add("00000014", "Identify", 0, false, false)
	add("00000075", "StatusActive", 0, false, false)
	add("00000077", "StatusFault", 0, false, false)
}

var services = map[string]string{
	ServiceAccessoryInformation: "AccessoryInformation",
	ServiceThermostat:           "Thermostat",
	ServiceHeaterCooler:         "HeaterCooler",
	"00000082" + appleSuffix:    "HumiditySensor",
	"0000008A" + appleSuffix:    "TemperatureSensor",
	"00000096" + appleSuffix:    "Battery",
}

// Normalize returns the canonical upper-case long form of a HomeKit type.
// Gateways may report the short form ("11", "4A"), which expands to the
// Apple base UUID.
func Normalize(uuid string) string {
	u := strings.ToUpper(strings.TrimSpace(uuid))
	if u == "" || strings.Contains(u, "-") {
		return u
	}
	if len(u) < 8 {
		u = strings.Repeat("0", 8-len(u)) + u
	}
	return u + appleSuffix
}

// Lookup returns the catalog entry for a characteristic type.
func Lookup(uuid string) (Entry, bool) {
	e, ok := entries[Normalize(uuid)]
	return e, ok
}

// FieldFor resolves a characteristic type to a tracked state field.
func FieldFor(uuid string) (device.Field, bool) {
	e, ok := Lookup(uuid)
	if !ok || !e.Tracked {
		return 0, false
	}
	return e.Field, true
}

// Name returns the display name of a characteristic type, or the type
// itself when it is not known.
func Name(uuid string) string {
	if e, ok := Lookup(uuid); ok {
		return e.Name
	}
	return uuid
}

// ServiceName returns the display name of a service type.
func ServiceName(uuid string) string {
	if n, ok := services[Normalize(uuid)]; ok {
		return n
	}
	return uuid
}

// Writable reports whether a field may be written by clients.
func Writable(f device.Field) bool {
	for _, e := range entries {
		if e.Tracked && e.Field == f {
			return e.Writable
		}
	}
	return false
}

// UUIDFor returns the characteristic type that carries a field.
func UUIDFor(f device.Field) (string, bool) {
	for _, e := range entries {
		if e.Tracked && e.Field == f {
			return e.UUID, true
		}
	}
	return "", false
}

// IsPriority reports whether a characteristic is polled on the fast cadence.
// Humidity has no push support on most gateways, so it is polled more often.
func IsPriority(name string) bool {
	return strings.Contains(strings.ToLower(name), "humidity")
}
