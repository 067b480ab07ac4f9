package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Bounce.MinimumRemovalDate)
	assert.Equal(t, 3, cfg.Bounce.MinimumPostCount)
	assert.Equal(t, 1, cfg.Bounce.AutomaticBounceAction)
	assert.Equal(t, 5, cfg.Bounce.MaxPostsBetweenBounces)
	assert.Equal(t, 5, cfg.Bounce.StaleWindowMultiplier)

	life, err := cfg.Pending.GetRequestLife()
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, life)

	timeout, err := cfg.Pending.GetLockTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)

	assert.Equal(t, "127.0.0.1:9143", cfg.AdminAPI.Addr)
	assert.True(t, cfg.Notify.TLSVerify)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
data_dir = "/var/lib/rook"

[logging]
output = "syslog"
level = "debug"

[pending]
request_life = "7d"

[bounce]
minimum_removal_date = 2
automatic_bounce_action = 3
stale_window_multiplier = 10

[notify]
host = "relay.example.com:587"
from = "lists@example.com"
starttls = true

[admin_api]
addr = "0.0.0.0:9143"
api_key = "secret"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/rook", cfg.DataDir)
	assert.Equal(t, "syslog", cfg.Logging.Output)
	assert.Equal(t, "debug", cfg.Logging.Level)

	life, err := cfg.Pending.GetRequestLife()
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, life)

	assert.Equal(t, 2, cfg.Bounce.MinimumRemovalDate)
	assert.Equal(t, 3, cfg.Bounce.AutomaticBounceAction)
	assert.Equal(t, 10, cfg.Bounce.StaleWindowMultiplier)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Bounce.MinimumPostCount)

	assert.Equal(t, "relay.example.com:587", cfg.Notify.Host)
	assert.True(t, cfg.Notify.UseStartTLS)
	assert.Equal(t, "secret", cfg.AdminAPI.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data_dir", func(c *Config) { c.DataDir = "" }},
		{"action out of range", func(c *Config) { c.Bounce.AutomaticBounceAction = 4 }},
		{"negative action", func(c *Config) { c.Bounce.AutomaticBounceAction = -1 }},
		{"zero stale multiplier", func(c *Config) { c.Bounce.StaleWindowMultiplier = 0 }},
		{"bad request_life", func(c *Config) { c.Pending.RequestLife = "three days" }},
		{"bad lock_timeout", func(c *Config) { c.Pending.LockTimeout = "soon" }},
		{"bad send_timeout", func(c *Config) { c.Notify.SendTimeout = "whenever" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
