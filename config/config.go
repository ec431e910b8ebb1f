// Package config loads doce configuration from TOML files and DOCE_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/pablopunk/doce.dev-sub004/queue"
)

// Config represents the doce configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Queue     QueueConfig     `mapstructure:"queue" toml:"queue"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" toml:"lifecycle"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// QueueConfig configures the worker loop
type QueueConfig struct {
	WorkerID           string `mapstructure:"worker_id" toml:"worker_id"`               // default hostname:pid
	PollIntervalMS     int    `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"` // idle sleep between claims
	LeaseMS            int    `mapstructure:"lease_ms" toml:"lease_ms"`
	HeartbeatMS        int    `mapstructure:"heartbeat_ms" toml:"heartbeat_ms"` // 0 = lease/2
	MaxSlots           int    `mapstructure:"max_slots" toml:"max_slots"`
	Concurrency        int    `mapstructure:"concurrency" toml:"concurrency"` // 0 = keep the stored setting
	BackoffBaseMS      int    `mapstructure:"backoff_base_ms" toml:"backoff_base_ms"`
	BackoffMaxMS       int    `mapstructure:"backoff_max_ms" toml:"backoff_max_ms"`
	DefaultMaxAttempts int    `mapstructure:"default_max_attempts" toml:"default_max_attempts"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr           string   `mapstructure:"addr" toml:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// LifecycleConfig configures the container lifecycle handlers
type LifecycleConfig struct {
	ProjectsDir         string `mapstructure:"projects_dir" toml:"projects_dir"`
	ComposeCommand      string `mapstructure:"compose_command" toml:"compose_command"`           // e.g. "docker compose up -d"
	PreviewURLTemplate  string `mapstructure:"preview_url_template" toml:"preview_url_template"` // {project} is replaced
	AgentURL            string `mapstructure:"agent_url" toml:"agent_url"`
	ReadyTimeoutSeconds int    `mapstructure:"ready_timeout_seconds" toml:"ready_timeout_seconds"`
	ProbeIntervalMS     int    `mapstructure:"probe_interval_ms" toml:"probe_interval_ms"`
	Priority            int    `mapstructure:"priority" toml:"priority"` // priority of chained steps
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// WorkerConfig converts the queue section into the worker's configuration.
func (c QueueConfig) WorkerConfig() queue.WorkerConfig {
	return queue.WorkerConfig{
		ID:                c.WorkerID,
		PollInterval:      millis(c.PollIntervalMS),
		Lease:             millis(c.LeaseMS),
		HeartbeatInterval: millis(c.HeartbeatMS),
		MaxSlots:          c.MaxSlots,
		Backoff: queue.BackoffPolicy{
			Base: millis(c.BackoffBaseMS),
			Max:  millis(c.BackoffMaxMS),
		},
	}
}

// ReadyTimeout is how long one wait-ready attempt polls before giving up.
func (c LifecycleConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSeconds) * time.Second
}

// ProbeInterval paces preview probes.
func (c LifecycleConfig) ProbeInterval() time.Duration {
	return millis(c.ProbeIntervalMS)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: %s, Queue: {Lease: %dms, MaxSlots: %d}}",
		c.Database.Path, c.Server.Addr, c.Queue.LeaseMS, c.Queue.MaxSlots)
}
