package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("link:\n  url: http://gateway:8080\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10*time.Second, cfg.Polling.Tick.Duration())
	assert.Equal(t, 60*time.Second, cfg.Polling.FastInterval.Duration())
	assert.Equal(t, 120*time.Second, cfg.Polling.SlowInterval.Duration())
	assert.Equal(t, 15, cfg.Polling.BatchSize)
	assert.Equal(t, 10, cfg.Polling.BootstrapBatchSize)
	assert.Equal(t, 10*time.Second, cfg.Optimistic.Timeout.Duration())
	assert.Equal(t, 5.0, cfg.Control.MinTemperature)
	assert.Equal(t, 30.0, cfg.Control.MaxTemperature)
	assert.Equal(t, 2.0, cfg.Link.RetryMultiplier)
	assert.Equal(t, 4, cfg.EventBus.GetWorkers())
	assert.Equal(t, 100, cfg.EventBus.GetQueueSize())
	assert.Zero(t, cfg.History.RetentionDays)
}

func TestLoadWithEnvAndZones(t *testing.T) {
	t.Setenv("THERMD_GATEWAY", "http://10.0.0.5:4407")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
link:
  url: ${THERMD_GATEWAY}
  timeout: 3s
database:
  path: ${THERMD_DB:/var/lib/thermd/state.db}
polling:
  tick: 5s
mqtt:
  enabled: true
  broker: tcp://broker:1883
zones:
  - name: Living
    order: 1
    devices:
      - serial: RU0000000001
        leader: true
        circuit_driver: true
      - serial: VA0000000002
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:4407", cfg.Link.URL)
	assert.Equal(t, 3*time.Second, cfg.Link.Timeout.Duration())
	assert.Equal(t, "/var/lib/thermd/state.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Second, cfg.Polling.Tick.Duration())
	assert.Equal(t, "thermd", cfg.MQTT.Prefix)

	require.Len(t, cfg.Zones, 1)
	z := cfg.Zones[0]
	require.NotNil(t, z.Order)
	assert.Equal(t, 1, *z.Order)
	require.Len(t, z.Devices, 2)
	assert.True(t, z.Devices[0].Leader)
	assert.True(t, z.Devices[0].CircuitDriver)
	assert.False(t, z.Devices[1].Leader)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing url", "log:\n  level: debug\n"},
		{"mqtt without broker", "link: {url: http://x}\nmqtt: {enabled: true}\n"},
		{"inverted temperature range", "link: {url: http://x}\ncontrol: {min_temperature: 30, max_temperature: 5}\n"},
		{"two leaders", "link: {url: http://x}\nzones:\n  - name: A\n    devices: [{serial: RU1, leader: true}, {serial: RU2, leader: true}]\n"},
		{"duplicate zone", "link: {url: http://x}\nzones: [{name: A}, {name: A}]\n"},
		{"bad duration", "link: {url: http://x}\npolling: {tick: soon}\n"},
		{"negative cleanup interval", "link: {url: http://x}\nledger: {cleanup_interval: -1h}\n"},
		{"negative history interval", "link: {url: http://x}\nhistory: {cleanup_interval: -5m}\n"},
		{"negative poll tick", "link: {url: http://x}\npolling: {tick: -10s}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestExpandEnvString(t *testing.T) {
	t.Setenv("THERMD_TEST_VAR", "value")
	assert.Equal(t, "value", ExpandEnvString("${THERMD_TEST_VAR}"))
	assert.Equal(t, "fallback", ExpandEnvString("${THERMD_UNSET_VAR:fallback}"))
	assert.Equal(t, "plain", ExpandEnvString("plain"))
}
