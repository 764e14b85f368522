package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8000"
	}
	if cfg.AnimationDir == "" {
		cfg.AnimationDir = "animations"
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if cfg.Engine.Binary == "" {
		cfg.Engine.Binary = "poseengine"
	}
	if cfg.Engine.FPS <= 0 {
		cfg.Engine.FPS = 60
	}
	if cfg.Engine.FPS > 240 {
		return fmt.Errorf("engine.fps must be <= 240, got %d", cfg.Engine.FPS)
	}
	if cfg.Engine.Slots == 0 {
		cfg.Engine.Slots = 3
	}
	if cfg.Engine.Slots < 2 {
		return fmt.Errorf("engine.slots must be >= 2, got %d", cfg.Engine.Slots)
	}
	if cfg.Engine.InitTimeoutS <= 0 {
		cfg.Engine.InitTimeoutS = 10
	}
	if cfg.Engine.CloseGraceS <= 0 {
		cfg.Engine.CloseGraceS = 2
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = fmt.Sprintf("poseflow/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
		}
	}

	return nil
}
