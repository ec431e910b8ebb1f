package config

import (
	"net/url"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	q := c.Queue
	if q.PollIntervalMS <= 0 {
		return errors.Newf("queue.poll_interval_ms must be > 0, got %d", q.PollIntervalMS)
	}
	if q.LeaseMS <= 0 {
		return errors.Newf("queue.lease_ms must be > 0, got %d", q.LeaseMS)
	}
	// Heartbeat: 0 = lease/2, otherwise it must renew before the lease runs out
	if q.HeartbeatMS < 0 || (q.HeartbeatMS > 0 && q.HeartbeatMS >= q.LeaseMS) {
		return errors.Newf("queue.heartbeat_ms must be between 0 and lease_ms (%d), got %d", q.LeaseMS, q.HeartbeatMS)
	}
	if q.MaxSlots < 1 {
		return errors.Newf("queue.max_slots must be >= 1, got %d", q.MaxSlots)
	}
	if q.Concurrency < 0 {
		return errors.Newf("queue.concurrency must be >= 0, got %d (0 keeps the stored setting)", q.Concurrency)
	}
	if q.BackoffBaseMS <= 0 {
		return errors.Newf("queue.backoff_base_ms must be > 0, got %d", q.BackoffBaseMS)
	}
	if q.BackoffMaxMS < q.BackoffBaseMS {
		return errors.Newf("queue.backoff_max_ms (%d) must be >= backoff_base_ms (%d)", q.BackoffMaxMS, q.BackoffBaseMS)
	}
	if q.DefaultMaxAttempts < 1 {
		return errors.Newf("queue.default_max_attempts must be >= 1, got %d", q.DefaultMaxAttempts)
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr cannot be empty")
	}

	l := c.Lifecycle
	if l.ProjectsDir == "" {
		return errors.New("lifecycle.projects_dir cannot be empty")
	}
	args, err := shellquote.Split(l.ComposeCommand)
	if err != nil {
		return errors.Wrapf(err, "lifecycle.compose_command is not a valid command line: %q", l.ComposeCommand)
	}
	if len(args) == 0 {
		return errors.New("lifecycle.compose_command cannot be empty")
	}
	if !strings.Contains(l.PreviewURLTemplate, "://") {
		return errors.Newf("lifecycle.preview_url_template must be an absolute URL, got %q", l.PreviewURLTemplate)
	}
	if u, err := url.Parse(l.AgentURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Newf("lifecycle.agent_url must be an absolute URL, got %q", l.AgentURL)
	}
	if l.ReadyTimeoutSeconds <= 0 {
		return errors.Newf("lifecycle.ready_timeout_seconds must be > 0, got %d", l.ReadyTimeoutSeconds)
	}
	if l.ProbeIntervalMS <= 0 {
		return errors.Newf("lifecycle.probe_interval_ms must be > 0, got %d", l.ProbeIntervalMS)
	}

	return nil
}
