// Package config loads and validates the poseflowd YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete poseflowd configuration.
type Config struct {
	InstanceID string `yaml:"instance_id"`
	// ListenAddr is the HTTP/WebSocket bind address (default ":8000")
	ListenAddr string `yaml:"listen_addr"`
	// AnimationDir is where motion source files are looked up and listed
	AnimationDir string `yaml:"animation_dir"`
	// ShutdownTimeoutS is the graceful shutdown timeout in seconds (default 5)
	ShutdownTimeoutS int `yaml:"shutdown_timeout_s"`

	Engine EngineConfig `yaml:"engine"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

// EngineConfig contains per-session engine process settings.
type EngineConfig struct {
	// Binary is the path to the poseengine executable
	Binary string `yaml:"binary"`
	// FPS is the frame production cadence (default 60)
	FPS int `yaml:"fps"`
	// Slots is the shared-memory ring depth (default 3)
	Slots int `yaml:"slots"`
	// InitTimeoutS bounds the create handshake in seconds (default 10)
	InitTimeoutS int `yaml:"init_timeout_s"`
	// CloseGraceS bounds the wait for a clean engine exit in seconds (default 2)
	CloseGraceS int `yaml:"close_grace_s"`
}

// MQTTConfig contains the optional telemetry broker settings. An empty
// broker disables telemetry entirely.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// TargetDt returns the engine tick duration.
func (e EngineConfig) TargetDt() time.Duration {
	return time.Second / time.Duration(e.FPS)
}

// InitTimeout returns the handshake deadline.
func (e EngineConfig) InitTimeout() time.Duration {
	return time.Duration(e.InitTimeoutS) * time.Second
}

// CloseGrace returns the engine exit grace period.
func (e EngineConfig) CloseGrace() time.Duration {
	return time.Duration(e.CloseGraceS) * time.Second
}

// ShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
