package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/thermd/internal/device"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"11", "00000011-0000-1000-8000-0026BB765291"},
		{"4a", "0000004A-0000-1000-8000-0026BB765291"},
		{"00000035-0000-1000-8000-0026bb765291", "00000035-0000-1000-8000-0026BB765291"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestFieldForCoversEveryField(t *testing.T) {
	seen := map[device.Field]bool{}
	for uuid := range entries {
		if f, ok := FieldFor(uuid); ok {
			seen[f] = true
		}
	}
	for _, f := range device.Fields() {
		assert.True(t, seen[f], "no characteristic for %s", f)
	}
}

func TestFieldForShortAndUnknown(t *testing.T) {
	f, ok := FieldFor("10")
	require.True(t, ok)
	assert.Equal(t, device.FieldHumidity, f)

	_, ok = FieldFor(CharSerialNumber)
	assert.False(t, ok, "serial number is identity, not state")

	_, ok = FieldFor("E44673A0-247B-4360-8A76-DB9DA69C0100")
	assert.False(t, ok)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "CurrentRelativeHumidity", Name("00000010-0000-1000-8000-0026BB765291"))
	assert.Equal(t, "custom", Name("custom"))
	assert.Equal(t, "Thermostat", ServiceName("4A"))
}

func TestWritable(t *testing.T) {
	assert.True(t, Writable(device.FieldTargetTemperature))
	assert.True(t, Writable(device.FieldTargetHeatingCoolingState))
	assert.True(t, Writable(device.FieldTargetHumidity))
	assert.False(t, Writable(device.FieldCurrentTemperature))
	assert.False(t, Writable(device.FieldBatteryLevel))

	uuid, ok := UUIDFor(device.FieldTargetTemperature)
	require.True(t, ok)
	assert.Equal(t, "00000035-0000-1000-8000-0026BB765291", uuid)
}

func TestIsPriority(t *testing.T) {
	assert.True(t, IsPriority("CurrentRelativeHumidity"))
	assert.True(t, IsPriority("TargetRelativeHumidity"))
	assert.False(t, IsPriority("CurrentTemperature"))
}
