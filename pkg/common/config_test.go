package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/playground/pkg/types"
)

func TestConfigManagerDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")

	cm, err := NewConfigManager[types.AppConfig]()
	require.NoError(t, err)

	cfg := cm.GetConfig()
	assert.True(t, cfg.IsLocalMode())
	assert.Equal(t, "docker:dind", cfg.Playground.Image)
	assert.Equal(t, 2222, cfg.Playground.Ports.SSH)
	assert.Equal(t, 2376, cfg.Playground.Ports.Docker)
	assert.Equal(t, 8080, cfg.Playground.Ports.Web)
	assert.Equal(t, 4*time.Hour, cfg.Playground.SessionTimeout)
	assert.Equal(t, 8760, cfg.Playground.MaxSessionHours)
	assert.Equal(t, 60*time.Second, cfg.Playground.ReapInterval)
	assert.Equal(t, 180*time.Second, cfg.Playground.ReadyTimeout)
	assert.Equal(t, "1g", cfg.Playground.Resources.Memory)
	assert.Equal(t, 1.0, cfg.Playground.Resources.CPUs)
	assert.Equal(t, 8192, cfg.Terminal.ReadBufferSize)
	assert.Equal(t, 2*time.Second, cfg.Terminal.CancelGrace)
	assert.Contains(t, cfg.Playground.PrePullImages, "alpine:latest")
	assert.Equal(t, []string{"*"}, cfg.Gateway.HTTP.CORS.AllowedOrigins)
}

func TestConfigManagerYAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: remote
playground:
  ports:
    ssh: 3222
  sessionTimeout: 1h
`), 0o644))
	t.Setenv(ConfigPathEnv, path)

	cm, err := NewConfigManager[types.AppConfig]()
	require.NoError(t, err)

	cfg := cm.GetConfig()
	assert.False(t, cfg.IsLocalMode())
	assert.Equal(t, 3222, cfg.Playground.Ports.SSH)
	assert.Equal(t, 2376, cfg.Playground.Ports.Docker)
	assert.Equal(t, time.Hour, cfg.Playground.SessionTimeout)
}

func TestConfigManagerJSONOverride(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"http": {"port": 9100}}, "terminal": {"hostShellEnabled": true}}`), 0o644))

	cm, err := NewConfigManager[types.AppConfig]()
	require.NoError(t, err)
	require.NoError(t, cm.LoadFile(path))

	cfg := cm.GetConfig()
	assert.Equal(t, 9100, cfg.Gateway.HTTP.Port)
	assert.True(t, cfg.Terminal.HostShellEnabled)
	assert.Equal(t, "0.0.0.0", cfg.Gateway.HTTP.Host)
}

func TestConfigManagerRejectsUnknownFormat(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")

	cm, err := NewConfigManager[types.AppConfig]()
	require.NoError(t, err)
	assert.Error(t, cm.LoadFile("config.toml"))
}
