package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vulkan-external-memory/extmem"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "/tmp/.external-memory", cfg.Channel.Socket)
	assert.Equal(t, 100*time.Millisecond, cfg.Channel.Retry)
	assert.Zero(t, cfg.Channel.Timeout)

	assert.Equal(t, "image", cfg.Resource.Kind)
	assert.Equal(t, 1024, cfg.Resource.Width)
	assert.Equal(t, 768, cfg.Resource.Height)

	assert.Equal(t, RoleBoth, cfg.Run.Role)
	assert.Equal(t, 3, cfg.Run.Frames)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Metrics.Addr)

	require.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"EXTMEM_SOCKET":       "/run/extmem.sock",
		"EXTMEM_RETRY":        "250ms",
		"EXTMEM_TIMEOUT":      "5s",
		"EXTMEM_RESOURCE":     "buffer",
		"EXTMEM_WIDTH":        "64",
		"EXTMEM_HEIGHT":       "32",
		"EXTMEM_FORMAT":       "rgba8",
		"EXTMEM_ROLE":         "import",
		"EXTMEM_FRAMES":       "10",
		"EXTMEM_SNAPSHOT":     "out.png",
		"EXTMEM_LOG_LEVEL":    "debug",
		"EXTMEM_LOG_DEV":      "true",
		"EXTMEM_METRICS_ADDR": ":9100",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/run/extmem.sock", cfg.Channel.Socket)
	assert.Equal(t, 250*time.Millisecond, cfg.Channel.Retry)
	assert.Equal(t, 5*time.Second, cfg.Channel.Timeout)
	assert.Equal(t, RoleImport, cfg.Run.Role)
	assert.Equal(t, 10, cfg.Run.Frames)
	assert.Equal(t, "out.png", cfg.Run.Snapshot)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)

	desc, err := cfg.ResourceDesc()
	require.NoError(t, err)
	assert.Equal(t, extmem.ResourceBuffer, desc.Kind)
	assert.Equal(t, extmem.FormatR8G8B8A8Unorm, desc.Format)
	assert.EqualValues(t, 64, desc.Width)
	assert.EqualValues(t, 32, desc.Height)
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("EXTMEM_RETRY", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("EXTMEM_WIDTH", "64")
	t.Setenv("EXTMEM_ROLE", "export")

	cfg, err := Load()
	require.NoError(t, err)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-role", "both", "-frames", "7", "-retry", "0"}))

	assert.Equal(t, 64, cfg.Resource.Width)
	assert.Equal(t, RoleBoth, cfg.Run.Role)
	assert.Equal(t, 7, cfg.Run.Frames)
	assert.Zero(t, cfg.Channel.Retry)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"role", func(c *Config) { c.Run.Role = "relay" }},
		{"frames", func(c *Config) { c.Run.Frames = 0 }},
		{"retry", func(c *Config) { c.Channel.Retry = -time.Second }},
		{"kind", func(c *Config) { c.Resource.Kind = "texture" }},
		{"format", func(c *Config) { c.Resource.Format = "r5g6b5" }},
		{"width", func(c *Config) { c.Resource.Width = 0 }},
		{"height", func(c *Config) { c.Resource.Height = 1 << 20 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
