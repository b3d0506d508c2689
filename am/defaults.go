package am

import (
	"os"

	"github.com/spf13/viper"
)

// File and directory permissions for config files written by pulseq
const (
	DefaultDirPermissions  os.FileMode = 0750
	DefaultFilePermissions os.FileMode = 0644
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "pulseq.db")

	v.SetDefault("queue.binary", "")
	v.SetDefault("queue.windows_helper", "")
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.spawn_delay_ms", 0)
	v.SetDefault("queue.spawns_per_second", 0)
	v.SetDefault("queue.retention_days", 7)
	v.SetDefault("queue.overrun_seconds", 3600)
	v.SetDefault("queue.page_size", 100)
	v.SetDefault("queue.heartbeat_seconds", 30)
	v.SetDefault("queue.clean_interval_seconds", 3600)
	v.SetDefault("queue.language", "en")

	v.SetDefault("log.theme", "everforest")
	v.SetDefault("log.json", false)
}

// BindEnvVars binds keys whose env names don't follow the automatic
// PULSEQ_SECTION_KEY mapping.
func BindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "PULSEQ_DATABASE_PATH", "PULSEQ_DB")
	_ = v.BindEnv("log.theme", "PULSEQ_LOG_THEME")
}
