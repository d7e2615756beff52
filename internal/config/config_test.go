package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Thresholds.BufferSize)
	require.Equal(t, 5*time.Second, cfg.Thresholds.FlushInterval)
	require.Equal(t, 60*time.Second, cfg.Thresholds.SessionTimeout)
}

func TestLoadOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
thresholds:
  noise_threshold: 0.1
  weight_start_threshold: 1.0
  session_timeout: 90s
  buffer_size: 50
  flush_interval: 2s
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0.1, cfg.Thresholds.NoiseThreshold)
	require.Equal(t, 50, cfg.Thresholds.BufferSize)
	require.Equal(t, 90*time.Second, cfg.Thresholds.SessionTimeout)
}

func TestLoadOverrideMissingFileIsNoop(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Thresholds.BufferSize)
}
