package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cnapid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadAppliesOverridesOntoDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/cnapid
listen_addr: 0.0.0.0:9000
reconciler_period: 10s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cnapid", cfg.DataDir)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, 10_000_000_000, int(cfg.ReconcilerPeriod))
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().HeartbeatLifetime, cfg.HeartbeatLifetime)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "bogus_field: true\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"non-positive heartbeat lifetime", func(c *Config) { c.HeartbeatLifetime = 0 }},
		{"non-positive reconciler period", func(c *Config) { c.ReconcilerPeriod = 0 }},
		{"non-positive director period", func(c *Config) { c.WaitlistDirectorPeriod = 0 }},
		{"non-positive dispatch timeout", func(c *Config) { c.TaskDispatchTimeout = 0 }},
		{"negative retry max", func(c *Config) { c.AgentHTTPRetryMax = -1 }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
