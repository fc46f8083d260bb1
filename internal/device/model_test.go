package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeFromSerial(t *testing.T) {
	tests := []struct {
		serial string
		want   Type
	}{
		{"RU1234567890", TypeThermostat},
		{"VA0000000001", TypeRadiatorValve},
		{"IB9999", TypeInternetBridge},
		{"WR42", TypeWirelessReceiver},
		{"SU77", TypeSmartAC},
		{"ru1234", TypeThermostat},
		{"XX1234", TypeUnknown},
		{"R", TypeUnknown},
		{"", TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.serial, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeFromSerial(tt.serial))
		})
	}
}

func TestPlaceholderName(t *testing.T) {
	assert.Equal(t, "thermostat_567890", PlaceholderName(TypeThermostat, "RU1234567890"))
	assert.Equal(t, "unknown_AB1", PlaceholderName(TypeUnknown, "AB1"))
}

func TestCelsiusToFahrenheit(t *testing.T) {
	assert.Equal(t, 68.0, CelsiusToFahrenheit(20))
	assert.Equal(t, 70.7, CelsiusToFahrenheit(21.5))
	assert.Equal(t, 32.0, CelsiusToFahrenheit(0))
}

func TestNewView(t *testing.T) {
	low := "LOW"
	v := NewView(
		Device{ID: 1, Serial: "VA1", BatteryState: &low},
		State{CurrentTemperature: Float(20), CurrentHeatingCoolingState: Int(ModeHeat)},
	)
	assert.Equal(t, 1, v.CurHeating)
	assert.True(t, v.BatteryLow)
	assert.Equal(t, 68.0, *v.CurrentTemperatureF)
	assert.Nil(t, v.TargetTemperatureF)

	v = NewView(Device{ID: 2}, State{StatusLowBattery: Int(0), CurrentHeatingCoolingState: Int(ModeOff)})
	assert.Equal(t, 0, v.CurHeating)
	assert.False(t, v.BatteryLow)
}
