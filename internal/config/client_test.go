package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadClientConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, "client.yaml", `
tunnel:
  tunnel_id: "tun-1"
  access_token: "tok-1"
`)

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tun-1", cfg.Tunnel.TunnelID)
	assert.False(t, cfg.Tunnel.ForBrowser)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadClientConfigMissingTunnelID(t *testing.T) {
	path := writeConfigFile(t, "client.yaml", `
tunnel:
  access_token: "tok-1"
`)

	_, err := LoadClientConfig(path)
	require.Error(t, err)
}

func TestLoadClientConfigInvalidForwardPort(t *testing.T) {
	path := writeConfigFile(t, "client.yaml", `
tunnel:
  tunnel_id: "tun-1"
  access_token: "tok-1"
forwards:
  - port: 70000
`)

	_, err := LoadClientConfig(path)
	require.Error(t, err)
}
