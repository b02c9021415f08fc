package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultReturnsExpectedBuiltInValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, 1985, cfg.HTTP.Port)
	require.Equal(t, "sync", cfg.Storage.Durability)
	require.Equal(t, 3, cfg.Registry.FailThreshold)
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_root = "/var/lib/serengeti"

[http]
port = 9000
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/serengeti", cfg.DataRoot)
	require.Equal(t, 9000, cfg.HTTP.Port)
	// Untouched sections keep their defaults.
	require.Equal(t, 4, cfg.Compaction.TriggerThreshold)
	require.Equal(t, 8, cfg.Index.MaxIndexesPerTable)
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestLoadFromEnvOrFlagPrefersFlag(t *testing.T) {
	flagPath := filepath.Join(t.TempDir(), "flag.toml")
	require.NoError(t, os.WriteFile(flagPath, []byte(`data_root = "from-flag"`), 0644))
	envPath := filepath.Join(t.TempDir(), "env.toml")
	require.NoError(t, os.WriteFile(envPath, []byte(`data_root = "from-env"`), 0644))

	t.Setenv("SERENGETI_CONFIG", envPath)

	cfg, err := LoadFromEnvOrFlag(flagPath)
	require.NoError(t, err)
	require.Equal(t, "from-flag", cfg.DataRoot)
}

func TestLoadFromEnvOrFlagFallsBackToEnv(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "env.toml")
	require.NoError(t, os.WriteFile(envPath, []byte(`data_root = "from-env"`), 0644))
	t.Setenv("SERENGETI_CONFIG", envPath)

	cfg, err := LoadFromEnvOrFlag("")
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.DataRoot)
}

func TestLoadFromEnvOrFlagAppliesSingleThresholdOverrides(t *testing.T) {
	t.Setenv("SERENGETI_HTTP_PORT", "9100")
	t.Setenv("SERENGETI_FAIL_THRESHOLD", "5")

	cfg, err := LoadFromEnvOrFlag("")
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.HTTP.Port)
	require.Equal(t, 5, cfg.Registry.FailThreshold)
	// Untouched overrides keep their defaults.
	require.Equal(t, 16, cfg.Storage.MemTableSizeMB)
}

func TestLoadFromEnvOrFlagIgnoresMalformedOverride(t *testing.T) {
	t.Setenv("SERENGETI_HTTP_PORT", "not-a-number")

	cfg, err := LoadFromEnvOrFlag("")
	require.NoError(t, err)
	require.Equal(t, Default().HTTP.Port, cfg.HTTP.Port)
}
