package am

import (
	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/logger"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	q := c.Queue

	// Poll interval below one second is clamped, negative is a typo
	if q.PollIntervalMS < 0 {
		return errors.Newf("queue.poll_interval_ms must be >= 0, got %d", q.PollIntervalMS)
	}
	if q.SpawnDelayMS < 0 {
		return errors.Newf("queue.spawn_delay_ms must be >= 0, got %d", q.SpawnDelayMS)
	}
	// 0 = unlimited spawns
	if q.SpawnsPerSecond < 0 {
		return errors.Newf("queue.spawns_per_second must be >= 0, got %f", q.SpawnsPerSecond)
	}
	if q.RetentionDays <= 0 {
		return errors.Newf("queue.retention_days must be > 0, got %d", q.RetentionDays)
	}
	if q.OverrunSeconds <= 0 {
		return errors.Newf("queue.overrun_seconds must be > 0, got %d", q.OverrunSeconds)
	}
	if q.PageSize <= 0 {
		return errors.Newf("queue.page_size must be > 0, got %d", q.PageSize)
	}
	// 0 = heartbeats disabled
	if q.HeartbeatSeconds < 0 {
		return errors.Newf("queue.heartbeat_seconds must be >= 0, got %d", q.HeartbeatSeconds)
	}
	if q.CleanIntervalSeconds < 0 {
		return errors.Newf("queue.clean_interval_seconds must be >= 0, got %d", q.CleanIntervalSeconds)
	}
	switch q.Language {
	case "", "en", "zh":
	default:
		err := errors.Newf("queue.language %q is not supported", q.Language)
		return errors.WithHint(err, "use en or zh")
	}

	if c.Log.Theme != "" && c.Log.Theme != "gruvbox" && c.Log.Theme != "everforest" {
		logger.Warnw("Unknown log theme, falling back to default", "theme", c.Log.Theme)
	}
	return nil
}
