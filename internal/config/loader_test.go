package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
service:
  log_level: debug
state:
  path: data/q.db
dispatcher:
  max_concurrent: 8
breaker:
  consecutive_failures: 3
plugins:
  csv:
    timeout: 30s
    env:
      DELIM: ","
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data", "q.db"), cfg.State.Path)
	assert.Equal(t, 8, cfg.Dispatcher.MaxConcurrent)
	assert.Equal(t, time.Second, cfg.Dispatcher.PollInterval, "unset fields keep defaults")
	assert.Equal(t, 3, cfg.Breaker.ConsecutiveFailures)
	assert.Equal(t, 20, cfg.Breaker.Window)
	assert.Equal(t, 30*time.Second, cfg.TimeoutFor("csv"))
	assert.Equal(t, 5*time.Minute, cfg.TimeoutFor("other"))
	assert.Equal(t, ",", cfg.Plugins["csv"].Env["DELIM"])
}

func TestLoadDirectoryUsesConfigYAML(t *testing.T) {
	path := writeConfig(t, "service:\n  name: dir-mode\n")

	cfg, err := Load(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, "dir-mode", cfg.Service.Name)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("QUARRY_TEST_KEY", "s3cret")
	path := writeConfig(t, "api:\n  enabled: true\n  api_key: ${QUARRY_TEST_KEY}\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.API.APIKey)
}

func TestLoadRejectsUndefinedEnv(t *testing.T) {
	path := writeConfig(t, "api:\n  api_key: ${QUARRY_DEFINITELY_UNSET_VAR}\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUARRY_DEFINITELY_UNSET_VAR")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero concurrency", func(c *Config) { c.Dispatcher.MaxConcurrent = 0 }, "max_concurrent"},
		{"min samples above window", func(c *Config) { c.Breaker.MinSamples = 50 }, "min_samples"},
		{"rate above one", func(c *Config) { c.Breaker.FailureRate = 1.5 }, "failure_rate"},
		{"cooldown inverted", func(c *Config) { c.Breaker.CooldownMax = time.Second }, "cooldown_base"},
		{"tolerance negative", func(c *Config) { c.Reconciler.QuarantineTolerance = -0.1 }, "quarantine_tolerance"},
		{"session below frame", func(c *Config) { c.Sandbox.MaxSessionBytes = 1 }, "max_session_bytes"},
		{"zero sweep interval", func(c *Config) { c.Dispatcher.SweepInterval = 0 }, "sweep_interval"},
		{"zero drain grace", func(c *Config) { c.Sandbox.DrainGrace = 0 }, "drain_grace"},
		{"api without listen", func(c *Config) { c.API.Enabled = true; c.API.Listen = "" }, "api.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, Defaults().Validate())
}
