package config

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)
	envKeyPattern     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		cfg.InstanceID = "pptcast"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateMQTT(cfg); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// Session loop
	if cfg.Session.PollIntervalMS < 0 || cfg.Session.StopTimeoutMS < 0 {
		return fmt.Errorf("session intervals must be >= 0")
	}
	if cfg.Session.PollIntervalMS == 0 {
		cfg.Session.PollIntervalMS = 50
	}
	if cfg.Session.StopTimeoutMS == 0 {
		cfg.Session.StopTimeoutMS = 500
	}

	// Encoder
	if cfg.Pipeline.JPEGQuality == 0 {
		cfg.Pipeline.JPEGQuality = 75
	}
	if cfg.Pipeline.JPEGQuality < 1 || cfg.Pipeline.JPEGQuality > 100 {
		return fmt.Errorf("pipeline.jpeg_quality must be within 1-100, got %d", cfg.Pipeline.JPEGQuality)
	}

	// Capture helper restarts
	if cfg.Capture.MaxRestarts < 0 {
		return fmt.Errorf("capture.max_restarts must be >= 0")
	}
	if cfg.Capture.MaxRestarts == 0 {
		cfg.Capture.MaxRestarts = 5
	}
	if cfg.Capture.RestartDelayMS <= 0 {
		cfg.Capture.RestartDelayMS = 1000
	}
	if cfg.Capture.MaxRestartDelayMS <= 0 {
		cfg.Capture.MaxRestartDelayMS = 30000
	}
	if cfg.Capture.MaxRestartDelayMS < cfg.Capture.RestartDelayMS {
		return fmt.Errorf("capture.max_restart_delay_ms must be >= restart_delay_ms")
	}

	for key := range cfg.Capture.HelperEnv {
		if !envKeyPattern.MatchString(key) {
			return fmt.Errorf("capture.helper_env: invalid variable name %q", key)
		}
	}

	if err := validateLog(&cfg.Log); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if cfg.Health.Address == "" {
		cfg.Health.Address = ":8080"
	}

	return nil
}

func validateMQTT(cfg *Config) error {
	m := &cfg.MQTT
	if m.Broker == "" {
		m.Broker = "localhost:1883"
	}
	if m.ClientID == "" {
		m.ClientID = cfg.InstanceID
	}

	// Set default topics if not provided
	if m.Topics.Inbound == "" {
		m.Topics.Inbound = "/pptin"
	}
	if m.Topics.Outbound == "" {
		m.Topics.Outbound = "/pptout"
	}
	if m.Topics.Inbound == m.Topics.Outbound {
		return fmt.Errorf("inbound and outbound topics must differ")
	}

	// Set default QoS if not provided
	if m.QoS == nil {
		m.QoS = map[string]byte{}
	}
	if _, ok := m.QoS["control"]; !ok {
		m.QoS["control"] = 2
	}
	if _, ok := m.QoS["response"]; !ok {
		m.QoS["response"] = 1
	}
	for name, qos := range m.QoS {
		if qos > 2 {
			return fmt.Errorf("qos.%s must be 0, 1 or 2, got %d", name, qos)
		}
	}
	if m.QoS["control"] == 0 {
		return fmt.Errorf("qos.control must be 1 or 2")
	}

	if m.CommandQueue <= 0 {
		m.CommandQueue = 10
	}
	return nil
}

func validateLog(l *LogConfig) error {
	if l.Level == "" {
		l.Level = "info"
	}
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown level %q", l.Level)
	}

	if l.Format == "" {
		l.Format = "json"
	}
	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("format must be json or text, got %q", l.Format)
	}

	if l.MaxSizeMB <= 0 {
		l.MaxSizeMB = 100
	}
	if l.MaxBackups <= 0 {
		l.MaxBackups = 5
	}
	if l.MaxAgeDays < 0 {
		return fmt.Errorf("max_age_days must be >= 0")
	}
	return nil
}
