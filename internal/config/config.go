// Package config defines the gateway configuration, loaded once at startup
// from an HCL (or JSON) file with environment variable overrides on top.
package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"

	"huddle.is/huddle/internal/brand"
)

// Config is the top-level structure for the gateway configuration.
type Config struct {
	// Listen is the address the front-end binds to, e.g. ":8420".
	Listen string `hcl:"listen,optional" json:"listen"`

	// ProductID identifies this deployment. Tokens minted for a different
	// product are rejected during the handshake.
	ProductID string `hcl:"product_id,optional" json:"product_id"`

	// AccountsURL is handed to clients that must re-authenticate during a
	// workspace upgrade window. The service behind it is not ours.
	AccountsURL string `hcl:"accounts_url,optional" json:"accounts_url"`

	// Model names the deployment flavor reported in version and statistics.
	Model string `hcl:"model,optional" json:"model"`

	// AuthSecret is the HMAC secret bearer tokens are verified with.
	AuthSecret string `hcl:"auth_secret,optional" json:"auth_secret,omitempty"`

	// EnableCompression negotiates per-message deflate on new connections.
	EnableCompression bool `hcl:"enable_compression,optional" json:"enable_compression"`

	// MaxConnections caps concurrent accepted connections. 0 means no cap.
	MaxConnections int `hcl:"max_connections,optional" json:"max_connections"`

	Gateway   *GatewayConfig   `hcl:"gateway,block" json:"gateway,omitempty"`
	Log       *LogConfig       `hcl:"log,block" json:"log,omitempty"`
	RateLimit *RateLimitConfig `hcl:"rate_limit,block" json:"rate_limit,omitempty"`
	Audit     *AuditConfig     `hcl:"audit,block" json:"audit,omitempty"`
}

// GatewayConfig tunes the session layer.
type GatewayConfig struct {
	// SendBufferLimit is the buffered-bytes threshold above which a send
	// blocks until the writer drains. Default: 128.
	SendBufferLimit int `hcl:"send_buffer_limit,optional" json:"send_buffer_limit,omitempty"`

	// SendQueueFrames is the per-connection outbound queue capacity.
	// Default: 256.
	SendQueueFrames int `hcl:"send_queue_frames,optional" json:"send_queue_frames,omitempty"`

	// TickSeconds is the cadence of the statistics roll, the maintenance
	// countdown and the idle-workspace reaper. Default: 60.
	TickSeconds int `hcl:"tick_seconds,optional" json:"tick_seconds,omitempty"`

	// SoftShutdownTicks is how many ticks an empty workspace survives
	// before its pipeline is torn down. Default: 2.
	SoftShutdownTicks int `hcl:"soft_shutdown_ticks,optional" json:"soft_shutdown_ticks,omitempty"`

	// CompressMinBytes is the smallest payload worth compressing.
	// Default: 1024.
	CompressMinBytes int `hcl:"compress_min_bytes,optional" json:"compress_min_bytes,omitempty"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `hcl:"level,optional" json:"level,omitempty"`

	// JSON switches from the console format to JSON lines.
	JSON bool `hcl:"json,optional" json:"json,omitempty"`
}

// RateLimitConfig throttles handshake and control-plane requests per client IP.
type RateLimitConfig struct {
	Enabled bool `hcl:"enabled,optional" json:"enabled"`

	// PerMinute is the sustained request budget. Default: 120.
	PerMinute int `hcl:"per_minute,optional" json:"per_minute,omitempty"`

	// Burst is the instantaneous budget. Default: 40.
	Burst int `hcl:"burst,optional" json:"burst,omitempty"`
}

// AuditConfig configures the administrative audit trail.
type AuditConfig struct {
	// Enabled activates audit logging to SQLite.
	Enabled bool `hcl:"enabled,optional" json:"enabled"`

	// RetentionDays is the number of days to retain audit events.
	// Default: 90 days.
	RetentionDays int `hcl:"retention_days,optional" json:"retention_days,omitempty"`

	// DatabasePath overrides the default audit database location.
	// Default: <state dir>/audit.db
	DatabasePath string `hcl:"database_path,optional" json:"database_path,omitempty"`
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Listen:            ":8420",
		Model:             "standard",
		EnableCompression: false,
		MaxConnections:    4096,
		Gateway: &GatewayConfig{
			SendBufferLimit:   128,
			SendQueueFrames:   256,
			TickSeconds:       60,
			SoftShutdownTicks: 2,
			CompressMinBytes:  1024,
		},
		Log: &LogConfig{
			Level: "info",
		},
		RateLimit: &RateLimitConfig{
			Enabled:   true,
			PerMinute: 120,
			Burst:     40,
		},
		Audit: &AuditConfig{
			Enabled:       true,
			RetentionDays: 90,
		},
	}
}

// ApplyDefaults fills zero-valued fields with defaults. Loaded files are run
// through this before validation so partial configs stay usable.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.Gateway == nil {
		c.Gateway = d.Gateway
	} else {
		if c.Gateway.SendBufferLimit == 0 {
			c.Gateway.SendBufferLimit = d.Gateway.SendBufferLimit
		}
		if c.Gateway.SendQueueFrames == 0 {
			c.Gateway.SendQueueFrames = d.Gateway.SendQueueFrames
		}
		if c.Gateway.TickSeconds == 0 {
			c.Gateway.TickSeconds = d.Gateway.TickSeconds
		}
		if c.Gateway.SoftShutdownTicks == 0 {
			c.Gateway.SoftShutdownTicks = d.Gateway.SoftShutdownTicks
		}
		if c.Gateway.CompressMinBytes == 0 {
			c.Gateway.CompressMinBytes = d.Gateway.CompressMinBytes
		}
	}
	if c.Log == nil {
		c.Log = d.Log
	} else if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.RateLimit == nil {
		c.RateLimit = d.RateLimit
	} else {
		if c.RateLimit.PerMinute == 0 {
			c.RateLimit.PerMinute = d.RateLimit.PerMinute
		}
		if c.RateLimit.Burst == 0 {
			c.RateLimit.Burst = d.RateLimit.Burst
		}
	}
	if c.Audit == nil {
		c.Audit = d.Audit
	} else if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = d.Audit.RetentionDays
	}
}

// AuditDatabasePath resolves the audit database location.
func (c *Config) AuditDatabasePath() string {
	if c.Audit != nil && c.Audit.DatabasePath != "" {
		return c.Audit.DatabasePath
	}
	return filepath.Join(brand.GetStateDir(), "audit.db")
}

// Validate checks the configuration for errors. A failing config must keep
// the daemon from starting.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if c.ProductID == "" {
		return fmt.Errorf("product_id is required")
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("auth_secret is required")
	}
	if len(c.AuthSecret) < 16 {
		return fmt.Errorf("auth_secret must be at least 16 bytes")
	}
	if c.AccountsURL != "" {
		u, err := url.Parse(c.AccountsURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid accounts_url %q", c.AccountsURL)
		}
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if c.Log != nil {
		switch strings.ToLower(c.Log.Level) {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("invalid log level %q", c.Log.Level)
		}
	}
	if c.Gateway != nil {
		if c.Gateway.SendBufferLimit < 1 {
			return fmt.Errorf("gateway send_buffer_limit must be positive")
		}
		if c.Gateway.SendQueueFrames < 1 {
			return fmt.Errorf("gateway send_queue_frames must be positive")
		}
		if c.Gateway.TickSeconds < 1 {
			return fmt.Errorf("gateway tick_seconds must be positive")
		}
		if c.Gateway.SoftShutdownTicks < 1 {
			return fmt.Errorf("gateway soft_shutdown_ticks must be positive")
		}
	}
	if c.RateLimit != nil && c.RateLimit.Enabled {
		if c.RateLimit.PerMinute < 1 {
			return fmt.Errorf("rate_limit per_minute must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit burst must be positive")
		}
	}
	if c.Audit != nil && c.Audit.Enabled && c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit retention_days must be positive")
	}
	return nil
}
