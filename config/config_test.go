package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "recovery:\n  maxRestartAttempts: 7\nbus:\n  queueCap: 2500\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Recovery.MaxRestartAttempts)
	require.Equal(t, 2500, cfg.Bus.QueueCap)
	require.Equal(t, Default().Consistency.MaxBackupsPerStudent, cfg.Consistency.MaxBackupsPerStudent)
}

func TestLoadEnvOverridesFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("recovery:\n  maxRestartAttempts: 7\n"), 0o600))

	t.Setenv("TUTORCORE_RECOVERY_MAX_RESTART_ATTEMPTS", "12")
	t.Setenv("TUTORCORE_INTERACTION_DEADLINE", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Recovery.MaxRestartAttempts)
	require.Equal(t, 5*time.Second, cfg.InteractionDeadline)
}

func TestConversionHelpersPreserveValues(t *testing.T) {
	cfg := Default()
	cfg.Recovery.MaxRestartAttempts = 9
	cfg.Consistency.MaxBackupsPerStudent = 4

	require.Equal(t, 9, cfg.ToRecoveryConfig().MaxRestartAttempts)
	require.Equal(t, 4, cfg.ToConsistencyConfig().MaxBackupsPerStudent)

	opts := cfg.ToBusOptions()
	require.Len(t, opts, 2)
}
