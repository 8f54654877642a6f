package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides_Sandbox(t *testing.T) {
	t.Run("image and mode", func(t *testing.T) {
		t.Setenv("AMBIENT_SANDBOX_IMAGE", "custom:1")
		t.Setenv("AMBIENT_SANDBOX_MODE", "namespace")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "custom:1", cfg.Sandbox.Image)
		assert.Equal(t, "namespace", cfg.Sandbox.Mode)
	})

	t.Run("network none keeps network disabled", func(t *testing.T) {
		t.Setenv("AMBIENT_SANDBOX_NETWORK", "none")

		cfg := DefaultConfig()
		cfg.Sandbox.NetworkAllowed = true
		cfg.applyEnvOverrides()

		assert.False(t, cfg.Sandbox.NetworkAllowed)
	})

	t.Run("network bridge enables network", func(t *testing.T) {
		t.Setenv("AMBIENT_SANDBOX_NETWORK", "bridge")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.True(t, cfg.Sandbox.NetworkAllowed)
	})
}

func TestEnvOverrides_Loop(t *testing.T) {
	t.Run("parallel and pause", func(t *testing.T) {
		t.Setenv("AMBIENT_MAX_PARALLEL", "5")
		t.Setenv("AMBIENT_PAUSED", "true")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 5, cfg.ReviewWorktree.MaxParallel)
		assert.True(t, cfg.ControlPlane.Paused)
	})

	t.Run("invalid values are ignored", func(t *testing.T) {
		t.Setenv("AMBIENT_MAX_PARALLEL", "many")
		t.Setenv("AMBIENT_PAUSED", "perhaps")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 2, cfg.ReviewWorktree.MaxParallel)
		assert.False(t, cfg.ControlPlane.Paused)
	})

	t.Run("telemetry path and log level", func(t *testing.T) {
		t.Setenv("AMBIENT_TELEMETRY_PATH", "/tmp/t.jsonl")
		t.Setenv("AMBIENT_LOG_LEVEL", "DEBUG")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/t.jsonl", cfg.Telemetry.LogPath)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}
