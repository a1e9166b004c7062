package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "cadence.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)

	// Engine defaults
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.poll_interval_ms", 1000)
	v.SetDefault("engine.reconcile_interval_seconds", 300) // 5 minutes
	v.SetDefault("engine.backoff_base_ms", 5000)           // 5s, 10s, 20s, ...
	v.SetDefault("engine.default_max_retries", 3)
	v.SetDefault("engine.handler_timeout_seconds", 300)

	// Notification defaults
	v.SetDefault("notify.keepalive_seconds", 20) // Below common proxy idle timeouts
	v.SetDefault("notify.inbox", true)
	v.SetDefault("notify.redis_channel", "cadence:events")

	// Built-in handler defaults
	v.SetDefault("handlers.backup_dir", "backups")
	v.SetDefault("handlers.http_requests_per_second", 5.0)
	v.SetDefault("handlers.http_timeout_seconds", 30)
	v.SetDefault("handlers.allow_private_hosts", false)
	v.SetDefault("handlers.log_retention_days", 30)
}

// BindSensitiveEnvVars binds values that should be settable without a config file
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("notify.redis_addr", "CADENCE_REDIS_ADDR", "REDIS_ADDR")
	v.BindEnv("database.path", "CADENCE_DATABASE_PATH", "DB_PATH")
}

// GetAllowedOrigins returns the allowed CORS origins, defaulting to localhost
func (c *Config) GetAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: {Port: %d}, Engine: {Workers: %d}}",
		c.Database.Path, c.Server.Port, c.Engine.Workers)
}
