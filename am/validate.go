package am

import "github.com/teranos/cadence/errors"

// Validate checks that the configuration is valid.
// Zero means zero: a zero value disables the feature, a negative value is an error.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}

	// Engine: 0 workers = consume nothing (control-plane only process)
	if c.Engine.Workers < 0 {
		return errors.Newf("engine.workers must be >= 0, got %d", c.Engine.Workers)
	}
	if c.Engine.Workers > 0 && c.Engine.PollIntervalMS <= 0 {
		return errors.Newf("engine.poll_interval_ms must be > 0 when workers are enabled, got %d", c.Engine.PollIntervalMS)
	}
	if c.Engine.ReconcileIntervalSeconds < 0 {
		return errors.Newf("engine.reconcile_interval_seconds must be >= 0, got %d", c.Engine.ReconcileIntervalSeconds)
	}
	if c.Engine.BackoffBaseMS < 0 {
		return errors.Newf("engine.backoff_base_ms must be >= 0, got %d", c.Engine.BackoffBaseMS)
	}
	if c.Engine.DefaultMaxRetries < 0 {
		return errors.Newf("engine.default_max_retries must be >= 0, got %d", c.Engine.DefaultMaxRetries)
	}
	if c.Engine.HandlerTimeoutSeconds < 0 {
		return errors.Newf("engine.handler_timeout_seconds must be >= 0, got %d", c.Engine.HandlerTimeoutSeconds)
	}

	if c.Notify.KeepaliveSeconds < 0 {
		return errors.Newf("notify.keepalive_seconds must be >= 0, got %d", c.Notify.KeepaliveSeconds)
	}
	if c.Notify.RedisAddr != "" && c.Notify.RedisChannel == "" {
		return errors.New("notify.redis_channel cannot be empty when notify.redis_addr is set")
	}

	if c.Handlers.HTTPRequestsPerSecond < 0 {
		return errors.Newf("handlers.http_requests_per_second must be >= 0, got %f", c.Handlers.HTTPRequestsPerSecond)
	}
	if c.Handlers.HTTPTimeoutSeconds < 0 {
		return errors.Newf("handlers.http_timeout_seconds must be >= 0, got %d", c.Handlers.HTTPTimeoutSeconds)
	}
	if c.Handlers.LogRetentionDays < 0 {
		return errors.Newf("handlers.log_retention_days must be >= 0, got %d", c.Handlers.LogRetentionDays)
	}

	return nil
}
