package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, "exponential", cfg.DefaultRetry.Strategy)
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/fabric
api_port: 9090
default_retry:
  max_attempts: 5
  strategy: fibonacci
  base_delay_ms: 50
  max_delay_ms: 2000
  jitter_factor: 0.2
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/fabric", cfg.DataDir)
	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, 5, cfg.DefaultRetry.MaxAttempts)
	assert.Equal(t, "fibonacci", cfg.DefaultRetry.Strategy)
	// Untouched fields keep defaults.
	assert.Equal(t, 60, cfg.CollectionIntervalSec)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_port: 9090\n"), 0o644))

	t.Setenv("FABRIC_API_PORT", "7001")
	t.Setenv("FABRIC_DATA_DIR", dir)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.APIPort)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestLoadConfigOptionsWin(t *testing.T) {
	t.Setenv("FABRIC_API_PORT", "7001")

	cfg, err := LoadConfig("", WithAPIPort(7002), WithHistoryRingSize(10))
	require.NoError(t, err)
	assert.Equal(t, 7002, cfg.APIPort)
	assert.Equal(t, 10, cfg.HistoryRingSize)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_retry:
  strategy: quadratic
`), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestConfigDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "1m0s", cfg.CollectionInterval().String())
	assert.Equal(t, "30s", cfg.HealthInterval().String())
	assert.Equal(t, "5s", cfg.CancelGrace().String())
	assert.Equal(t, "720h0m0s", cfg.MetricsRetention().String())
}
