package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, "master", cfg.Global.Branch)
	assert.Equal(t, DefaultFlakyBuildsMin, cfg.Analysis.FlakyBuildsMin)
	assert.Equal(t, DefaultAnalysisHours, cfg.Analysis.AnalysisHours)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.NotEmpty(t, cfg.Database.SQLite.Path)
	assert.NotEmpty(t, cfg.Server.Listen)

	require.NoError(t, cfg.Validate())
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
global:
  branch: main
analysis:
  flaky_builds_min: 20
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Explicit values survive.
	assert.Equal(t, "main", cfg.Global.Branch)
	assert.Equal(t, 20, cfg.Analysis.FlakyBuildsMin)

	// Unset values get defaults.
	assert.Equal(t, DefaultFlakyFailuresMin, cfg.Analysis.FlakyFailuresMin)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, "global: [broken")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_ThresholdInvariants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name: "flaky window too small for failures threshold",
			mutate: func(c *Config) {
				c.Analysis.FlakyBuildsMin = 5
				c.Analysis.FlakyFailuresMin = 3
			},
			errMsg: "flaky_builds_min",
		},
		{
			name: "flaky window too small for streak reporting",
			mutate: func(c *Config) {
				c.Analysis.FlakyBuildsMin = 7
				c.Analysis.ReportConsecutiveFailures = 3
			},
			errMsg: "flaky_builds_min",
		},
		{
			name: "zero flaky failures",
			mutate: func(c *Config) {
				c.Analysis.FlakyFailuresMin = -1
			},
			errMsg: "flaky_failures_min",
		},
		{
			name: "zero permafail threshold",
			mutate: func(c *Config) {
				c.Analysis.PermafailFailuresMin = -1
			},
			errMsg: "permafail_failures_min",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_Database(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.Driver = "postgres"
	assert.Error(t, cfg.Validate(), "postgres requires host and database")

	cfg.Database.Postgres.Host = "localhost"
	cfg.Database.Postgres.Database = "flakewatch"
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Database.SQLite.Path = ""
	assert.Error(t, cfg.Validate())
}
