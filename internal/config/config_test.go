package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 6*time.Second, cfg.Commands.AckTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Devices.OnlineThreshold)
	assert.Equal(t, 50, cfg.Devices.HistorySize)
	assert.Equal(t, 10*time.Second, cfg.Events.PollInterval)
	assert.True(t, cfg.Events.AreaFailOpen)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.BrokerURL())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 9090
mqtt:
  host: broker.farm.local
  port: 8883
  use_tls: true
commands:
  ack_timeout: 3s
devices:
  history_size: 20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("OFC_DEVICES_HISTORY_SIZE", "75")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, 3*time.Second, cfg.Commands.AckTimeout)
	assert.Equal(t, 75, cfg.Devices.HistorySize)
	assert.Equal(t, "tcps://broker.farm.local:8883", cfg.MQTT.BrokerURL())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsNonPositiveTimeout(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Commands.AckTimeout = 0
	assert.Error(t, cfg.Validate())
}

func TestGetJWTSecretFallback(t *testing.T) {
	a := AuthConfig{JWTSecretEnv: "OFC_TEST_JWT_SECRET"}
	assert.False(t, a.IsProductionReady())

	t.Setenv("OFC_TEST_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	assert.Equal(t, "0123456789abcdef0123456789abcdef", a.GetJWTSecret())
	assert.True(t, a.IsProductionReady())
}
