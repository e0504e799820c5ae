package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mikedilger/gossip/config"
	"github.com/stretchr/testify/require"
)

func TestProfileDirDefaultsUnderHome(t *testing.T) {
	cfg := config.Default()
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	dir, err := cfg.ProfileDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".gossip", "default"), dir)
}

func TestProfileDirHonorsEnvOverrides(t *testing.T) {
	t.Setenv("PROFILE_DIR", "/tmp/gossip-test-dir")
	t.Setenv("PROFILE_NAME", "alt")

	cfg := config.Default()
	dir, err := cfg.ProfileDir()
	require.NoError(t, err)
	require.Equal(t, "/tmp/gossip-test-dir/alt", dir)
}

func TestProfileDirFlagsWinOverDefaultsWithoutEnv(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "/tmp/gossip-flag-dir"
	cfg.Profile = "custom"

	dir, err := cfg.ProfileDir()
	require.NoError(t, err)
	require.Equal(t, "/tmp/gossip-flag-dir/custom", dir)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.SecKey = "deadbeef"
	cfg.RelaysPerPerson = 4

	require.NoError(t, cfg.Save(dir))

	loaded := &config.Config{}
	require.NoError(t, loaded.Load(dir))
	require.Equal(t, "deadbeef", loaded.SecKey)
	require.Equal(t, 4, loaded.RelaysPerPerson)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	require.NoError(t, cfg.Load(dir))
}

func TestDefaultSeedsTwoRelays(t *testing.T) {
	cfg := config.Default()
	require.Len(t, cfg.SeedRelays, 2)
	require.Equal(t, "info", cfg.LogLevel)
}
