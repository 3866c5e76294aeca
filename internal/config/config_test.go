package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.HTTPPort)
	assert.Equal(t, 8001, cfg.InternalPort)
	assert.Equal(t, 64, cfg.SubscriberBuffer)
	assert.Equal(t, 15*time.Second, cfg.DisconnectGrace)
	assert.Equal(t, 10*time.Minute, cfg.GateTimeout)
	assert.False(t, cfg.Artifacts.Enabled())
}

func TestLoad_FileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_DESKTOP_HOST", "sandbox.local")

	path := filepath.Join(t.TempDir(), "applyrun.yaml")
	content := `
http_port: 9100
desktop_api: http://${TEST_DESKTOP_HOST}:9001
subscriber_buffer: 8
disconnect_grace: 2s
gate_timeout: 90s
artifacts:
  endpoint: minio.local:9000
  bucket: resumes
  url_ttl: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.HTTPPort)
	assert.Equal(t, "http://sandbox.local:9001", cfg.DesktopAPI)
	assert.Equal(t, 8, cfg.SubscriberBuffer)
	assert.Equal(t, 2*time.Second, cfg.DisconnectGrace)
	assert.Equal(t, 90*time.Second, cfg.GateTimeout)
	assert.True(t, cfg.Artifacts.Enabled())
	assert.Equal(t, 5*time.Minute, cfg.Artifacts.URLTTL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "applyrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9100\n"), 0o600))

	t.Setenv("HTTP_PORT", "9200")
	t.Setenv("DISCONNECT_GRACE", "2500")
	t.Setenv("GATE_TIMEOUT", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.HTTPPort)
	assert.Equal(t, 2500*time.Millisecond, cfg.DisconnectGrace)
	assert.Equal(t, time.Minute, cfg.GateTimeout)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "applyrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gate_timeout: soon\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gate_timeout")
}

func TestLoad_RejectsTinyBuffer(t *testing.T) {
	t.Setenv("SUBSCRIBER_BUFFER", "1")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_ExampleFile(t *testing.T) {
	t.Setenv("DESKTOP_API", "http://sandbox:9000")
	t.Setenv("ARTIFACTS_ENDPOINT", "")

	cfg, err := Load(filepath.Join("..", "..", "configs", "applyrun.example.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://sandbox:9000", cfg.DesktopAPI)
	assert.Equal(t, 500*time.Millisecond, cfg.SweepInterval)
	assert.Equal(t, 10*time.Minute, cfg.GateTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Artifacts.URLTTL)
	assert.False(t, cfg.Artifacts.Enabled())
}
