package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Quorum policies for advancing a run from starting to running.
const (
	QuorumAll = "all"
	QuorumAny = "any"
	QuorumN   = "n_of_m"
)

// Config models fedrelay.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Runs struct {
		Quorum                    string        `yaml:"quorum"`
		QuorumN                   int           `yaml:"quorum_n"`
		StopGrace                 time.Duration `yaml:"stop_grace"`
		EchoProgressToCoordinator bool          `yaml:"echo_progress_to_coordinator"`
	} `yaml:"runs"`
	Liveness struct {
		SweepInterval time.Duration `yaml:"sweep_interval"`
		SiteThreshold time.Duration `yaml:"site_threshold"`
		// CoordinatorThreshold bounds how long a run survives with a silent
		// coordinator and no completed participant before it is failed.
		CoordinatorThreshold time.Duration `yaml:"coordinator_threshold"`
	} `yaml:"liveness"`
	Mailbox struct {
		PollMaxBatch int `yaml:"poll_max_batch"`
		// RetentionKeep is how many acknowledged messages stay available for
		// redelivery before compaction raises the retention floor.
		RetentionKeep int `yaml:"retention_keep"`
	} `yaml:"mailbox"`
	Workers struct {
		Count               int `yaml:"count"`
		ControlQueueSize    int `yaml:"control_queue_size"`
		FanoutQueueSize     int `yaml:"fanout_queue_size"`
		FanoutSyncThreshold int `yaml:"fanout_sync_threshold"`
		MaxAttempts         int `yaml:"max_attempts"`
	} `yaml:"workers"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run fedrelay init or pass --config", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields keep
// their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	switch c.Runs.Quorum {
	case QuorumAll, QuorumAny:
	case QuorumN:
		if c.Runs.QuorumN < 1 {
			return fmt.Errorf("config.runs.quorum_n must be >= 1 for quorum %q", QuorumN)
		}
	default:
		return fmt.Errorf("config.runs.quorum must be one of %s", strings.Join([]string{QuorumAll, QuorumAny, QuorumN}, ", "))
	}
	if c.Runs.StopGrace <= 0 {
		return fmt.Errorf("config.runs.stop_grace must be positive")
	}
	if c.Liveness.SweepInterval <= 0 {
		return fmt.Errorf("config.liveness.sweep_interval must be positive")
	}
	if c.Liveness.SiteThreshold <= 0 {
		return fmt.Errorf("config.liveness.site_threshold must be positive")
	}
	if c.Mailbox.PollMaxBatch < 1 {
		return fmt.Errorf("config.mailbox.poll_max_batch must be >= 1")
	}
	if c.Mailbox.RetentionKeep < 0 {
		return fmt.Errorf("config.mailbox.retention_keep must be >= 0")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("config.workers.count must be >= 1")
	}
	if c.Workers.MaxAttempts < 1 {
		return fmt.Errorf("config.workers.max_attempts must be >= 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fedrelay.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Server.Listen = ":8320"
	cfg.Server.BasePath = "/v0"
	cfg.Runs.Quorum = QuorumAll
	cfg.Runs.StopGrace = 2 * time.Minute
	cfg.Runs.EchoProgressToCoordinator = true
	cfg.Liveness.SweepInterval = 30 * time.Second
	cfg.Liveness.SiteThreshold = 5 * time.Minute
	cfg.Liveness.CoordinatorThreshold = 30 * time.Minute
	cfg.Mailbox.PollMaxBatch = 100
	cfg.Mailbox.RetentionKeep = 1000
	cfg.Workers.Count = 8
	cfg.Workers.ControlQueueSize = 256
	cfg.Workers.FanoutQueueSize = 4096
	cfg.Workers.FanoutSyncThreshold = 8
	cfg.Workers.MaxAttempts = 5
	return &cfg
}

// GenerateDefault returns the default config as YAML for fedrelay init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  listen: ":8320"
  base_path: /v0

auth:
  jwt_secret: ""

runs:
  # Acknowledgments required to move a run from starting to running:
  # all, any, or n_of_m (with quorum_n).
  quorum: all
  quorum_n: 0
  stop_grace: 2m
  echo_progress_to_coordinator: true

liveness:
  sweep_interval: 30s
  site_threshold: 5m
  coordinator_threshold: 30m

mailbox:
  poll_max_batch: 100
  retention_keep: 1000

workers:
  count: 8
  control_queue_size: 256
  fanout_queue_size: 4096
  fanout_sync_threshold: 8
  max_attempts: 5
`
