package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pptcast configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	MQTT             MQTTConfig     `yaml:"mqtt"`
	Session          SessionConfig  `yaml:"session"`
	Pipeline         PipelineConfig `yaml:"pipeline"`
	Capture          CaptureConfig  `yaml:"capture"`
	Log              LogConfig      `yaml:"log"`
	Health           HealthConfig   `yaml:"health"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker       string          `yaml:"broker"`
	ClientID     string          `yaml:"client_id"` // default: instance_id
	Topics       MQTTTopics      `yaml:"topics"`
	QoS          map[string]byte `yaml:"qos"`           // keys: control, response
	Acks         bool            `yaml:"acks"`          // publish Removed/NotFound/Error replies
	CommandQueue int             `yaml:"command_queue"` // pending commands before drops
}

// MQTTTopics contains the control topic pair
type MQTTTopics struct {
	Inbound  string `yaml:"inbound"`
	Outbound string `yaml:"outbound"`
}

// SessionConfig contains streaming session settings
type SessionConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	StopTimeoutMS  int `yaml:"stop_timeout_ms"`
}

// PipelineConfig contains encoder settings
type PipelineConfig struct {
	JPEGQuality int `yaml:"jpeg_quality"` // 1-100
}

// CaptureConfig describes the external capture helper
type CaptureConfig struct {
	HelperCommand     string            `yaml:"helper_command"` // empty: only demo sources
	HelperArgs        []string          `yaml:"helper_args"`
	HelperEnv         map[string]string `yaml:"helper_env"` // added to the daemon's environment
	FramesPerSlide    int               `yaml:"frames_per_slide"` // demo source pacing
	MaxRestarts       int               `yaml:"max_restarts"`
	RestartDelayMS    int               `yaml:"restart_delay_ms"`
	MaxRestartDelayMS int               `yaml:"max_restart_delay_ms"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	File       string `yaml:"file"`   // optional rotated log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// HealthConfig contains the status HTTP API settings
type HealthConfig struct {
	Enabled *bool  `yaml:"enabled"` // default: true
	Address string `yaml:"address"`
}

// HealthEnabled reports whether the status API should run.
func (c *Config) HealthEnabled() bool {
	return c.Health.Enabled == nil || *c.Health.Enabled
}

// PollInterval returns the session loop cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Session.PollIntervalMS) * time.Millisecond
}

// StopTimeout returns the bounded wait for a session loop on removal.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Session.StopTimeoutMS) * time.Millisecond
}

// ShutdownTimeout returns the daemon's graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Load reads and parses a YAML configuration file
// HelperEnviron returns capture.helper_env as sorted KEY=VALUE pairs.
func (c *Config) HelperEnviron() []string {
	if len(c.Capture.HelperEnv) == 0 {
		return nil
	}
	env := make([]string, 0, len(c.Capture.HelperEnv))
	for k, v := range c.Capture.HelperEnv {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		panic(fmt.Sprintf("default configuration invalid: %v", err))
	}
	return cfg
}
