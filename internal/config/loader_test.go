package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaultsWithoutSources(t *testing.T) {
	loader := NewLoader("")
	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "memory", cfg.Cache.Backend)
	require.Equal(t, 5, cfg.Scheduler.Workers)
	require.Contains(t, cfg.Cache.Categories, "model-response")
}

func TestLoadYAMLFileOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, "inferd.yaml", `
server:
  listen:
    port: 9090
scheduler:
  workers: 12
  rateLimit:
    perMinute: 5
`)
	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Listen.Port)
	require.Equal(t, 12, cfg.Scheduler.Workers)
	require.Equal(t, 5, cfg.Scheduler.RateLimit.PerMinute)
	// Untouched keys keep their defaults.
	require.Equal(t, 1000, cfg.Scheduler.MaxQueue)
}

func TestLoadJSONAndTOMLFiles(t *testing.T) {
	jsonPath := writeTempConfig(t, "inferd.json", `{"pool": {"maxSize": 7}}`)
	cfg, err := NewLoader("", jsonPath).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Pool.MaxSize)

	tomlPath := writeTempConfig(t, "inferd.toml", "[pool]\nminSize = 1\n")
	cfg, err = NewLoader("", tomlPath).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Pool.MinSize)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeTempConfig(t, "inferd.ini", "[pool]\n")
	_, err := NewLoader("", path).Load(context.Background())
	require.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := NewLoader("", filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeTempConfig(t, "inferd.yaml", "pool:\n  maxSize: 7\n")
	t.Setenv("INFERD_POOL__MAX_SIZE", "11")
	t.Setenv("INFERD_SCHEDULER__BREAKER__FAILURE_THRESHOLD", "2")

	cfg, err := NewLoader("INFERD", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 11, cfg.Pool.MaxSize)
	require.Equal(t, 2, cfg.Scheduler.Breaker.FailureThreshold)
}

func TestLoadValidatesSnapshot(t *testing.T) {
	path := writeTempConfig(t, "inferd.yaml", "scheduler:\n  workers: 0\n")
	_, err := NewLoader("", path).Load(context.Background())
	require.Error(t, err)
}
