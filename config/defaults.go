package config

import (
	"github.com/spf13/viper"
)

// Default values shared by SetDefaults and the CLI help text.
const (
	DefaultDatabasePath   = "doce.db"
	DefaultServerAddr     = "127.0.0.1:4321"
	DefaultComposeCommand = "docker compose up -d --wait"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("queue.worker_id", "")
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.lease_ms", 30_000)
	v.SetDefault("queue.heartbeat_ms", 0) // lease/2
	v.SetDefault("queue.max_slots", 8)
	v.SetDefault("queue.concurrency", 0)
	v.SetDefault("queue.backoff_base_ms", 1000)
	v.SetDefault("queue.backoff_max_ms", 300_000)
	v.SetDefault("queue.default_max_attempts", 3)

	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})

	v.SetDefault("lifecycle.projects_dir", "projects")
	v.SetDefault("lifecycle.compose_command", DefaultComposeCommand)
	v.SetDefault("lifecycle.preview_url_template", "http://{project}.localhost:8080")
	v.SetDefault("lifecycle.agent_url", "http://127.0.0.1:4096")
	v.SetDefault("lifecycle.ready_timeout_seconds", 120)
	v.SetDefault("lifecycle.probe_interval_ms", 1000)
	v.SetDefault("lifecycle.priority", 0)
}

// BindSensitiveEnvVars binds the settings most often overridden in containers
// to short variable names.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "DOCE_DATABASE_PATH", "DOCE_DB_PATH")
	v.BindEnv("lifecycle.agent_url", "DOCE_LIFECYCLE_AGENT_URL", "DOCE_AGENT_URL")
	v.BindEnv("server.addr", "DOCE_SERVER_ADDR", "DOCE_ADDR")
}

// Defaults returns the configuration built from defaults alone, without files or
// environment variables.
func Defaults() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return LoadWithViper(v)
}
