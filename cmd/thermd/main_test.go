package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/thermd/internal/config"
)

func TestDescribe(t *testing.T) {
	cfg, err := config.Parse([]byte(`
link:
  url: http://bridge.local:4407
mqtt:
  enabled: true
  broker: tcp://broker:1883
zones:
  - name: Living
    devices:
      - serial: RU0000000001
        leader: true
      - serial: VA0000000002
`))
	require.NoError(t, err)

	out := describe(cfg)
	assert.Contains(t, out, "gateway:  http://bridge.local:4407")
	assert.Contains(t, out, "fast 1m0s, slow 2m0s, batch 15")
	assert.Contains(t, out, `prefix "thermd"`)
	assert.Contains(t, out, `zone "Living": 2 devices`)
}
