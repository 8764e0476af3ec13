package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkflowRunner tunes one workflow type.
type WorkflowRunner struct {
	Concurrency    int           `yaml:"concurrency"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// RateLimit is the budget for one limiter class.
type RateLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type LocksConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type NotificationsConfig struct {
	UnreadTTL time.Duration `yaml:"unread_ttl"`
}

// ReconcileConfig controls how stalled jobs are picked up again.
type ReconcileConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	Interval   time.Duration `yaml:"interval"`
}

// RunnerConfig is the YAML file that tunes the job runner and the
// cache-backed guards around it.
type RunnerConfig struct {
	FailClosed    bool                      `yaml:"fail_closed"`
	Defaults      WorkflowRunner            `yaml:"defaults"`
	Workflows     map[string]WorkflowRunner `yaml:"workflows"`
	RateLimits    map[string]RateLimit      `yaml:"rate_limits"`
	Locks         LocksConfig               `yaml:"locks"`
	Notifications NotificationsConfig       `yaml:"notifications"`
	Reconcile     ReconcileConfig           `yaml:"reconcile"`
}

// Workflow returns the settings for name, falling back field by field to
// the defaults section.
func (c *RunnerConfig) Workflow(name string) WorkflowRunner {
	out := c.Defaults
	wf, ok := c.Workflows[name]
	if !ok {
		return out
	}
	if wf.Concurrency > 0 {
		out.Concurrency = wf.Concurrency
	}
	if wf.MaxAttempts > 0 {
		out.MaxAttempts = wf.MaxAttempts
	}
	if wf.InitialBackoff > 0 {
		out.InitialBackoff = wf.InitialBackoff
	}
	if wf.MaxBackoff > 0 {
		out.MaxBackoff = wf.MaxBackoff
	}
	return out
}

// LoadRunner loads a YAML runner config; returns defaults if missing.
func LoadRunner(path string) (*RunnerConfig, error) {
	if path == "" {
		return DefaultRunner(), nil
	}
	// #nosec G304 -- runner config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultRunner(), fmt.Errorf("read runner config: %w", err)
	}
	return ParseRunner(data)
}

// ParseRunner parses runner config data from YAML/JSON bytes.
func ParseRunner(data []byte) (*RunnerConfig, error) {
	if len(data) == 0 {
		return DefaultRunner(), nil
	}
	if err := validateRunner(data); err != nil {
		return DefaultRunner(), err
	}
	var cfg RunnerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultRunner(), fmt.Errorf("parse runner config: %w", err)
	}
	cfg.fillDefaults()
	return &cfg, nil
}

func (c *RunnerConfig) fillDefaults() {
	def := DefaultRunner()
	if c.Defaults.Concurrency <= 0 {
		c.Defaults.Concurrency = def.Defaults.Concurrency
	}
	if c.Defaults.MaxAttempts <= 0 {
		c.Defaults.MaxAttempts = def.Defaults.MaxAttempts
	}
	if c.Defaults.InitialBackoff <= 0 {
		c.Defaults.InitialBackoff = def.Defaults.InitialBackoff
	}
	if c.Defaults.MaxBackoff <= 0 {
		c.Defaults.MaxBackoff = def.Defaults.MaxBackoff
	}
	if c.Workflows == nil {
		c.Workflows = def.Workflows
	}
	if c.RateLimits == nil {
		c.RateLimits = def.RateLimits
	}
	if c.Locks.TTL <= 0 {
		c.Locks.TTL = def.Locks.TTL
	}
	if c.Notifications.UnreadTTL <= 0 {
		c.Notifications.UnreadTTL = def.Notifications.UnreadTTL
	}
	if c.Reconcile.StaleAfter <= 0 {
		c.Reconcile.StaleAfter = def.Reconcile.StaleAfter
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = def.Reconcile.Interval
	}
}

// DefaultRunner returns the built-in runner settings.
func DefaultRunner() *RunnerConfig {
	return &RunnerConfig{
		Defaults: WorkflowRunner{
			Concurrency:    4,
			MaxAttempts:    2,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Workflows: map[string]WorkflowRunner{},
		RateLimits: map[string]RateLimit{
			"expensive": {Limit: 10, Window: time.Minute},
			"cheap":     {Limit: 30, Window: time.Minute},
		},
		Locks:         LocksConfig{TTL: 30 * time.Second},
		Notifications: NotificationsConfig{UnreadTTL: time.Hour},
		Reconcile:     ReconcileConfig{StaleAfter: 5 * time.Minute, Interval: time.Minute},
	}
}
