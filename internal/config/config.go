package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models vigil.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Triggers struct {
		MinHealthScore        float64 `yaml:"min_health_score"`
		MinFailureProbability float64 `yaml:"min_failure_probability"`
	} `yaml:"triggers"`
	Inspection struct {
		MaxRetryAttempts int    `yaml:"max_retry_attempts"`
		Endpoint         string `yaml:"endpoint"`
	} `yaml:"inspection"`
	Escalation struct {
		AuthorityAckSLAMinutes int                `yaml:"authority_ack_sla_minutes"`
		CheckIntervalSeconds   int                `yaml:"check_interval_seconds"`
		Management             NotificationTarget `yaml:"management"`
		Police                 NotificationTarget `yaml:"police"`
	} `yaml:"escalation"`
	Dispatch struct {
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		Endpoint       string `yaml:"endpoint"`
	} `yaml:"dispatch"`
}

// NotificationTarget is a set of recipients reached over one or more channels.
type NotificationTarget struct {
	Recipients []string `yaml:"recipients"`
	Channels   []string `yaml:"channels"`
}

// Seconds the escalation sweep may never go below.
const MinCheckIntervalSeconds = 5

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vigil.yml")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Triggers.MinHealthScore < 0 || c.Triggers.MinHealthScore > 1 {
		return fmt.Errorf("config.triggers.min_health_score must be within [0,1]")
	}
	if c.Triggers.MinFailureProbability < 0 || c.Triggers.MinFailureProbability > 1 {
		return fmt.Errorf("config.triggers.min_failure_probability must be within [0,1]")
	}
	if c.Inspection.MaxRetryAttempts < 1 {
		return fmt.Errorf("config.inspection.max_retry_attempts must be at least 1")
	}
	if c.Escalation.AuthorityAckSLAMinutes < 1 {
		return fmt.Errorf("config.escalation.authority_ack_sla_minutes must be at least 1")
	}
	if c.Escalation.CheckIntervalSeconds < MinCheckIntervalSeconds {
		return fmt.Errorf("config.escalation.check_interval_seconds must be at least %d", MinCheckIntervalSeconds)
	}
	if c.Dispatch.TimeoutSeconds < 1 {
		return fmt.Errorf("config.dispatch.timeout_seconds must be at least 1")
	}
	if len(c.Escalation.Management.Recipients) == 0 {
		return fmt.Errorf("config.escalation.management.recipients is required")
	}
	if len(c.Escalation.Police.Recipients) == 0 {
		return fmt.Errorf("config.escalation.police.recipients is required")
	}
	return nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// DefaultYAML returns the default config file contents.
func DefaultYAML() []byte {
	return []byte(defaultTemplate)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  name: vigil-orchestrator

triggers:
  min_health_score: 0.70
  min_failure_probability: 0.60

inspection:
  max_retry_attempts: 3
  endpoint: ""

escalation:
  authority_ack_sla_minutes: 30
  check_interval_seconds: 30
  management:
    recipients: [ops-management]
    channels: [email, sms]
  police:
    recipients: [police-dispatch]
    channels: [sms, voice]

dispatch:
  timeout_seconds: 5
  endpoint: ""
`
