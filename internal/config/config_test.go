package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxnlabs/lnorm/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config, err := LoadConfig("../../fixtures/tests/config/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, "cpu", config.Engine.Kind)
		assert.Equal(t, 2, config.Engine.Devices)
		assert.Equal(t, 64, config.Engine.MaxWorkGroupSize)
		assert.Equal(t, 4, config.Engine.ComputeUnits)
		assert.False(t, config.ProgramCacheEnabled())
		assert.Equal(t, 128, config.Engine.MaxResources)
		assert.Equal(t, 5*time.Second, config.Engine.LaunchTimeout)
		assert.InDelta(t, 0.001, config.Lnorm.Epsilon, 1e-9)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir, err := os.Getwd()
		require.NoError(t, err)

		configPath := filepath.Join(dir, "..", "..", "fixtures", "tests", "invalid_config", "config.yaml")
		_, err = LoadConfig(configPath)
		assert.Error(t, err)
	})

	t.Run("template", func(t *testing.T) {
		config, err := Parse(fixtures.ConfigTemplate)
		require.NoError(t, err)
		assert.Equal(t, "info", config.Logger.Verbosity)
		assert.Equal(t, "auto", config.Engine.Kind)
		assert.True(t, config.ProgramCacheEnabled())
		assert.Equal(t, DefaultLaunchTimeout, config.Engine.LaunchTimeout)
	})
}

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		config, err := Parse([]byte("logger:\n  verbosity: warn\n"))
		require.NoError(t, err)
		assert.Equal(t, "warn", config.Logger.Verbosity)
		assert.Equal(t, Default().Engine, config.Engine)
		assert.Equal(t, float32(DefaultEpsilon), config.Lnorm.Epsilon)
		assert.True(t, config.ProgramCacheEnabled())
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Parse([]byte("engine:\n  threads: 4\n"))
		assert.Error(t, err)
	})

	tests := map[string]string{
		"negative devices":    "engine:\n  devices: -1\n",
		"negative work-group": "engine:\n  maxWorkGroupSize: -8\n",
		"negative timeout":    "engine:\n  launchTimeout: -1s\n",
		"negative epsilon":    "lnorm:\n  epsilon: -0.1\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestDefault(t *testing.T) {
	config := Default()
	assert.Equal(t, DefaultVerbosity, config.Logger.Verbosity)
	assert.Equal(t, DefaultEngineKind, config.Engine.Kind)
	assert.Equal(t, 1, config.Engine.Devices)
	assert.Equal(t, DefaultMaxWorkGroupSize, config.Engine.MaxWorkGroupSize)
	assert.Zero(t, config.Engine.MaxResources)

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, config, empty)
}
