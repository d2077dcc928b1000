package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHostConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, "host.yaml", `
tunnel:
  tunnel_id: "tun-1"
  host_id: "host-1"
  access_token: "tok-1"
ports:
  - port_number: 8080
    protocol: http
`)

	cfg, err := LoadHostConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "host-1", cfg.Tunnel.HostID)
	assert.Len(t, cfg.Ports, 1)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
}

func TestLoadHostConfigInvalidPort(t *testing.T) {
	path := writeConfigFile(t, "host.yaml", `
tunnel:
  tunnel_id: "tun-1"
  access_token: "tok-1"
ports:
  - port_number: 0
`)

	_, err := LoadHostConfig(path)
	require.Error(t, err)
}
