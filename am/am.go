package am

import "time"

// Config represents the pulseq configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database" yaml:"database" json:"database"`
	Queue    QueueConfig    `mapstructure:"queue" toml:"queue" yaml:"queue" json:"queue"`
	Log      LogConfig      `mapstructure:"log" toml:"log" yaml:"log" json:"log"`
}

// DatabaseConfig configures the SQLite database shared by all queue processes
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" yaml:"path" json:"path"`
}

// QueueConfig configures the dispatch loop, workers and the reaper
type QueueConfig struct {
	// Binary re-invoked for workers and nested commands (default: own executable)
	Binary string `mapstructure:"binary" toml:"binary" yaml:"binary" json:"binary"`
	// WindowsHelper wraps spawned invocations on Windows (default: cmd /C start /B "")
	WindowsHelper string `mapstructure:"windows_helper" toml:"windows_helper" yaml:"windows_helper" json:"windows_helper"`

	PollIntervalMS  int     `mapstructure:"poll_interval_ms" toml:"poll_interval_ms" yaml:"poll_interval_ms" json:"poll_interval_ms"`       // minimum 1000
	SpawnDelayMS    int     `mapstructure:"spawn_delay_ms" toml:"spawn_delay_ms" yaml:"spawn_delay_ms" json:"spawn_delay_ms"`             // pause after each spawn
	SpawnsPerSecond float64 `mapstructure:"spawns_per_second" toml:"spawns_per_second" yaml:"spawns_per_second" json:"spawns_per_second"` // 0 = unlimited

	RetentionDays        int `mapstructure:"retention_days" toml:"retention_days" yaml:"retention_days" json:"retention_days"`
	OverrunSeconds       int `mapstructure:"overrun_seconds" toml:"overrun_seconds" yaml:"overrun_seconds" json:"overrun_seconds"`
	PageSize             int `mapstructure:"page_size" toml:"page_size" yaml:"page_size" json:"page_size"`
	HeartbeatSeconds     int `mapstructure:"heartbeat_seconds" toml:"heartbeat_seconds" yaml:"heartbeat_seconds" json:"heartbeat_seconds"` // 0 disables heartbeats
	CleanIntervalSeconds int `mapstructure:"clean_interval_seconds" toml:"clean_interval_seconds" yaml:"clean_interval_seconds" json:"clean_interval_seconds"`

	// Language of task progress messages: en or zh
	Language string `mapstructure:"language" toml:"language" yaml:"language" json:"language"`
}

// LogConfig configures console logging
type LogConfig struct {
	Theme string `mapstructure:"theme" toml:"theme" yaml:"theme" json:"theme"` // gruvbox, everforest
	JSON  bool   `mapstructure:"json" toml:"json" yaml:"json" json:"json"`
}

// PollInterval returns the dispatch loop period, never below one second.
func (q QueueConfig) PollInterval() time.Duration {
	d := time.Duration(q.PollIntervalMS) * time.Millisecond
	if d < time.Second {
		return time.Second
	}
	return d
}

// SpawnDelay returns the pause after issuing a spawn.
func (q QueueConfig) SpawnDelay() time.Duration {
	return time.Duration(q.SpawnDelayMS) * time.Millisecond
}

// Retention returns how long finished rows are kept.
func (q QueueConfig) Retention() time.Duration {
	return time.Duration(q.RetentionDays) * 24 * time.Hour
}

// Overrun returns how long a task may stay RUNNING before the reaper reclaims it.
func (q QueueConfig) Overrun() time.Duration {
	return time.Duration(q.OverrunSeconds) * time.Second
}

// Heartbeat returns the worker heartbeat period (0 when disabled).
func (q QueueConfig) Heartbeat() time.Duration {
	return time.Duration(q.HeartbeatSeconds) * time.Second
}
