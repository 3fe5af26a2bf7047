// Package config loads the cnapid process configuration from a YAML file,
// the way the teacher's cobra commands collect flags into a flat Config
// struct (cmd/warren/main.go's manager.Config/worker.Config), generalized to
// a file-backed source so a replica's tunables survive outside the command
// line. Unknown keys are rejected so a typo in the file fails fast instead
// of silently keeping a default.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete set of tunables for a cnapid replica.
type Config struct {
	// DataDir holds the bbolt database file.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the address for an HTTP API listener. cnapid serve does
	// not open that listener; it serves only the MetricsAddr endpoints.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the address the Prometheus /metrics endpoint binds to.
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "console" or "json"

	// HeartbeatLifetime is how long a heartbeat stays current before the
	// reconciler treats the server as stale (spec §4.B/§4.C).
	HeartbeatLifetime time.Duration `yaml:"heartbeat_lifetime"`

	// ReconcilerPeriod is the reconciler tick interval.
	ReconcilerPeriod time.Duration `yaml:"reconciler_period"`

	// WaitlistDirectorPeriod is the waitlist director poll interval.
	WaitlistDirectorPeriod time.Duration `yaml:"waitlist_director_period"`

	// TicketRetention is how long a terminal ticket stays in the store
	// before the waitlist director's hourly cleanup deletes it.
	TicketRetention time.Duration `yaml:"ticket_retention"`

	// TaskStatusCacheRetention is how long a completed task status is kept
	// in the dispatcher's cache for a late WaitForTask caller.
	TaskStatusCacheRetention time.Duration `yaml:"task_status_cache_retention"`

	// TaskDispatchTimeout bounds a single agent HTTP round trip.
	TaskDispatchTimeout time.Duration `yaml:"task_dispatch_timeout"`

	// AgentHTTPRetryMax bounds retryablehttp's transport-level retries for
	// task dispatch (connection failures only; any HTTP response, 5xx
	// included, is returned to the dispatcher without a retry).
	AgentHTTPRetryMax int `yaml:"agent_http_retry_max"`
}

// Default returns a Config with conservative, spec-aligned defaults.
func Default() *Config {
	return &Config{
		DataDir:                  "./cnapi-data",
		ListenAddr:               "127.0.0.1:8080",
		MetricsAddr:              "127.0.0.1:9090",
		LogLevel:                 "info",
		LogFormat:                "console",
		HeartbeatLifetime:        11 * time.Second,
		ReconcilerPeriod:         5 * time.Second,
		WaitlistDirectorPeriod:   500 * time.Millisecond,
		TicketRetention:          30 * 24 * time.Hour,
		TaskStatusCacheRetention: time.Hour,
		TaskDispatchTimeout:      time.Hour,
		AgentHTTPRetryMax:        3,
	}
}

// Load reads a YAML file into a Config seeded with Default(), rejecting any
// key the Config struct doesn't declare.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that every tunable is in a usable range.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.HeartbeatLifetime <= 0 {
		return fmt.Errorf("heartbeat_lifetime must be positive")
	}
	if c.ReconcilerPeriod <= 0 {
		return fmt.Errorf("reconciler_period must be positive")
	}
	if c.WaitlistDirectorPeriod <= 0 {
		return fmt.Errorf("waitlist_director_period must be positive")
	}
	if c.TaskDispatchTimeout <= 0 {
		return fmt.Errorf("task_dispatch_timeout must be positive")
	}
	if c.AgentHTTPRetryMax < 0 {
		return fmt.Errorf("agent_http_retry_max must not be negative")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}
	return nil
}
