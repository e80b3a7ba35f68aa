package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		UserDataDir:         "/tmp/app",
		UpdateURL:           "https://plugin.capgo.app/updates",
		AppReadyTimeout:     10_000,
		ResponseTimeout:     20,
		DirectUpdate:        DirectUpdateNever,
		MaxFileSize:         1024,
		MaxTotalSize:        10240,
		MaxCompressionRatio: 100.0,
		FSMMaxRetries:       5,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty user data dir", func(c *Config) { c.UserDataDir = "" }},
		{"empty update url", func(c *Config) { c.UpdateURL = "" }},
		{"zero app ready timeout", func(c *Config) { c.AppReadyTimeout = 0 }},
		{"zero response timeout", func(c *Config) { c.ResponseTimeout = 0 }},
		{"zero max file size", func(c *Config) { c.MaxFileSize = 0 }},
		{"zero max total size", func(c *Config) { c.MaxTotalSize = 0 }},
		{"zero compression ratio", func(c *Config) { c.MaxCompressionRatio = 0 }},
		{"negative retries", func(c *Config) { c.FSMMaxRetries = -1 }},
		{"unknown direct update mode", func(c *Config) { c.DirectUpdate = "sometimes" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDirectUpdateImmediate(t *testing.T) {
	cfg := validConfig()

	for mode, want := range map[string]bool{
		DirectUpdateNever:     false,
		DirectUpdateTrue:      true,
		DirectUpdateAlways:    true,
		DirectUpdateAtInstall: false,
		DirectUpdateOnLaunch:  false,
	} {
		cfg.DirectUpdate = mode
		assert.Equal(t, want, cfg.DirectUpdateImmediate(), "mode %s", mode)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://plugin.capgo.app/updates", cfg.UpdateURL)
	assert.Equal(t, "https://plugin.capgo.app/channel_self", cfg.ChannelURL)
	assert.Equal(t, "https://plugin.capgo.app/stats", cfg.StatsURL)
	assert.Equal(t, 10_000, cfg.AppReadyTimeout)
	assert.Equal(t, 20, cfg.ResponseTimeout)
	assert.True(t, cfg.AutoUpdate)
	assert.Equal(t, DirectUpdateNever, cfg.DirectUpdate)
	assert.True(t, cfg.AutoDeleteFailed)
	assert.True(t, cfg.ResetWhenUpdate)
	assert.Equal(t, 5, cfg.FSMMaxRetries)
	require.NoError(t, cfg.Validate())
}
