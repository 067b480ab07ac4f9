package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/corvid-mail/rook/helpers"
)

// Config is the top-level rook configuration, loaded from TOML.
type Config struct {
	DataDir  string         `toml:"data_dir"` // Base directory for stores and lock files
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Pending  PendingConfig  `toml:"pending"`
	Bounce   BounceConfig   `toml:"bounce"`
	Notify   NotifyConfig   `toml:"notify"`
	AdminAPI AdminAPIConfig `toml:"admin_api"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseConfig holds the embedded membership database configuration.
type DatabaseConfig struct {
	Path  string `toml:"path"`  // SQLite database path (default: <data_dir>/rook.db)
	Debug bool   `toml:"debug"` // Enable SQL statement logging
}

// PendingConfig holds the pending confirmation token store configuration.
type PendingConfig struct {
	Path        string `toml:"path"`         // Store file path (default: <data_dir>/pending.db)
	RequestLife string `toml:"request_life"` // Lifetime of a pending request (default: "3d")
	LockTimeout string `toml:"lock_timeout"` // Bound on lock acquisition (default: "30s")
}

// BounceConfig holds deployment-wide bounce processing defaults. The
// four per-list thresholds are stored with each list; these values seed
// newly created lists.
type BounceConfig struct {
	MinimumRemovalDate     int `toml:"minimum_removal_date"`      // Days a run must span before action (default: 5)
	MinimumPostCount       int `toml:"minimum_post_count"`        // Posts a run must span before action (default: 3)
	AutomaticBounceAction  int `toml:"automatic_bounce_action"`   // 0 none, 1 disable+notice, 2 disable silent, 3 remove+notice
	MaxPostsBetweenBounces int `toml:"max_posts_between_bounces"` // Post gap that restarts a run (default: 5)

	// StaleWindowMultiplier scales minimum_removal_date into the grace
	// window after which an unresolved bounce record is culled. The
	// historical value is 5; it is deliberately wider than the
	// escalation window so records are not culled merely for reaching
	// the threshold.
	StaleWindowMultiplier int `toml:"stale_window_multiplier"`
}

// NotifyConfig holds the outbound SMTP relay configuration for admin
// notices. rook never delivers list mail itself; this relay only
// carries bounce/action notifications.
type NotifyConfig struct {
	Host        string `toml:"host"` // host:port of the SMTP relay; empty disables notices
	From        string `toml:"from"` // Envelope and header sender for notices
	UseTLS      bool   `toml:"tls"`
	UseStartTLS bool   `toml:"starttls"`
	TLSVerify   bool   `toml:"tls_verify"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	SendTimeout string `toml:"send_timeout"` // Per-message timeout (default: "30s")
}

// AdminAPIConfig holds the admin HTTP API configuration.
type AdminAPIConfig struct {
	Addr   string `toml:"addr"`    // Listen address (default: "127.0.0.1:9143")
	APIKey string `toml:"api_key"` // Bearer token; required to start the API
}

// NewDefaultConfig returns a configuration with all defaults applied.
func NewDefaultConfig() Config {
	return Config{
		DataDir: "./data",
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Pending: PendingConfig{
			RequestLife: "3d",
			LockTimeout: "30s",
		},
		Bounce: BounceConfig{
			MinimumRemovalDate:     5,
			MinimumPostCount:       3,
			AutomaticBounceAction:  1,
			MaxPostsBetweenBounces: 5,
			StaleWindowMultiplier:  5,
		},
		Notify: NotifyConfig{
			TLSVerify:   true,
			SendTimeout: "30s",
		},
		AdminAPI: AdminAPIConfig{
			Addr: "127.0.0.1:9143",
		},
	}
}

// Load reads a TOML configuration file over the defaults.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("configuration file %q not found: %w", path, err)
		}
		return cfg, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that TOML decoding cannot.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if a := c.Bounce.AutomaticBounceAction; a < 0 || a > 3 {
		return fmt.Errorf("bounce.automatic_bounce_action must be 0-3, got %d", a)
	}
	if c.Bounce.StaleWindowMultiplier < 1 {
		return fmt.Errorf("bounce.stale_window_multiplier must be >= 1, got %d", c.Bounce.StaleWindowMultiplier)
	}
	if _, err := c.Pending.GetRequestLife(); err != nil {
		return fmt.Errorf("pending.request_life: %w", err)
	}
	if _, err := c.Pending.GetLockTimeout(); err != nil {
		return fmt.Errorf("pending.lock_timeout: %w", err)
	}
	if _, err := c.Notify.GetSendTimeout(); err != nil {
		return fmt.Errorf("notify.send_timeout: %w", err)
	}
	return nil
}

// GetRequestLife parses the pending request lifetime.
func (p *PendingConfig) GetRequestLife() (time.Duration, error) {
	if p.RequestLife == "" {
		return 3 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(p.RequestLife)
}

// GetLockTimeout parses the pending store lock acquisition bound.
func (p *PendingConfig) GetLockTimeout() (time.Duration, error) {
	if p.LockTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(p.LockTimeout)
}

// GetSendTimeout parses the per-notice relay timeout.
func (n *NotifyConfig) GetSendTimeout() (time.Duration, error) {
	if n.SendTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(n.SendTimeout)
}
