package am

import "time"

// Config represents the cadence configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Engine   EngineConfig   `mapstructure:"engine" toml:"engine"`
	Notify   NotifyConfig   `mapstructure:"notify" toml:"notify"`
	Handlers HandlersConfig `mapstructure:"handlers" toml:"handlers"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// EngineConfig configures the queue consumer, dispatcher and reconciler
type EngineConfig struct {
	Workers                  int `mapstructure:"workers" toml:"workers"`                                       // Concurrent handler invocations (0 = consumer disabled)
	PollIntervalMS           int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`                     // How often the queue looks for due tasks
	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds" toml:"reconcile_interval_seconds"` // 0 = reconcile on startup only
	BackoffBaseMS            int `mapstructure:"backoff_base_ms" toml:"backoff_base_ms"`                       // First retry delay, doubled per attempt
	DefaultMaxRetries        int `mapstructure:"default_max_retries" toml:"default_max_retries"`
	HandlerTimeoutSeconds    int `mapstructure:"handler_timeout_seconds" toml:"handler_timeout_seconds"` // 0 = no per-attempt timeout
}

// NotifyConfig configures live notifications and the inbox
type NotifyConfig struct {
	KeepaliveSeconds int    `mapstructure:"keepalive_seconds" toml:"keepalive_seconds"`
	Inbox            bool   `mapstructure:"inbox" toml:"inbox"`           // Mirror events into the notifications table
	RedisAddr        string `mapstructure:"redis_addr" toml:"redis_addr"` // Empty = no cross-process relay
	RedisChannel     string `mapstructure:"redis_channel" toml:"redis_channel"`
}

// HandlersConfig configures the built-in command handlers
type HandlersConfig struct {
	BackupDir             string  `mapstructure:"backup_dir" toml:"backup_dir"`
	HTTPRequestsPerSecond float64 `mapstructure:"http_requests_per_second" toml:"http_requests_per_second"` // 0 = unlimited
	HTTPTimeoutSeconds    int     `mapstructure:"http_timeout_seconds" toml:"http_timeout_seconds"`
	AllowPrivateHosts     bool    `mapstructure:"allow_private_hosts" toml:"allow_private_hosts"`
	LogRetentionDays      int     `mapstructure:"log_retention_days" toml:"log_retention_days"`
}

// Server port constants
const (
	DefaultServerPort = 8750
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// PollInterval returns the queue poll interval
func (c EngineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ReconcileInterval returns the periodic reconcile interval (0 = disabled)
func (c EngineConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// BackoffBase returns the first retry delay
func (c EngineConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// HandlerTimeout returns the per-attempt handler timeout (0 = none)
func (c EngineConfig) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSeconds) * time.Second
}

// Keepalive returns the observer keepalive period
func (c NotifyConfig) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}
